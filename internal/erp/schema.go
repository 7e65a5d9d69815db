package erp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrQuarantined marks a record whose shape does not match its entity.
var ErrQuarantined = errors.New("erp record quarantined")

// ShapeError describes a quarantined record.
type ShapeError struct {
	Entity string
	Err    error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("erp %s: %v", e.Entity, e.Err)
}

func (e *ShapeError) Unwrap() []error {
	return []error{ErrQuarantined, e.Err}
}

const guidPattern = `^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`

const datePattern = `^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}`

var entitySchemas = map[string]string{
	EntityConsultations: `{
		"type": "object",
		"required": ["Ref_Key", "ДатаСоздания"],
		"properties": {
			"Ref_Key": {"type": "string", "pattern": "` + guidPattern + `"},
			"Number": {"type": "string"},
			"Менеджер_Key": {"type": "string"},
			"ДатаСоздания": {"type": "string", "pattern": "` + datePattern + `"},
			"ДатаКонсультации": {"type": ["string", "null"]},
			"Конец": {"type": ["string", "null"]},
			"ВидОбращения": {"type": "string"},
			"ЗакрытоБезКонсультации": {"type": "boolean"}
		}
	}`,
	EntityReschedules: `{
		"type": "object",
		"required": ["ДокументОбращения_Key", "Period"],
		"properties": {
			"ДокументОбращения_Key": {"type": "string", "pattern": "` + guidPattern + `"},
			"Менеджер_Key": {"type": "string"},
			"Period": {"type": "string", "pattern": "` + datePattern + `"}
		}
	}`,
	EntityRatings: `{
		"type": "object",
		"required": ["Обращение_Key", "Менеджер_Key", "НомерВопроса", "Оценка", "Period"],
		"properties": {
			"Обращение_Key": {"type": "string", "pattern": "` + guidPattern + `"},
			"Менеджер_Key": {"type": "string"},
			"НомерВопроса": {"type": ["integer", "string"]},
			"Оценка": {"type": ["integer", "string"]},
			"Period": {"type": "string", "pattern": "` + datePattern + `"}
		}
	}`,
	EntityCalls: `{
		"type": "object",
		"required": ["ДокументОбращения_Key", "Менеджер_Key", "Period"],
		"properties": {
			"ДокументОбращения_Key": {"type": "string", "pattern": "` + guidPattern + `"},
			"Менеджер_Key": {"type": "string"},
			"Period": {"type": "string", "pattern": "` + datePattern + `"}
		}
	}`,
	EntityQueueClosures: `{
		"type": "object",
		"required": ["Дата", "Менеджер_Key"],
		"properties": {
			"Дата": {"type": "string", "pattern": "` + datePattern + `"},
			"Менеджер_Key": {"type": "string", "pattern": "` + guidPattern + `"},
			"Закрыт": {"type": "boolean"}
		}
	}`,
	EntityConsultants: `{
		"type": "object",
		"required": ["Менеджер_Key"],
		"properties": {
			"Менеджер_Key": {"type": "string", "pattern": "` + guidPattern + `"},
			"ЛимитКонсультаций": {"type": ["integer", "string", "null"]},
			"ВремяРаботыНачало": {"type": ["string", "null"]},
			"ВремяРаботыКонец": {"type": ["string", "null"]}
		}
	}`,
}

var compiledSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	out := make(map[string]*jsonschema.Schema, len(entitySchemas))
	for entity, text := range entitySchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", entity, err)
		}
		url := "mem://erp/" + entity + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", entity, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", entity, err)
		}
		out[entity] = schema
	}
	return out, nil
})

// Validate checks raw against the expected shape of entity.
func Validate(entity string, raw json.RawMessage) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[entity]
	if !ok {
		return fmt.Errorf("erp: no schema for %s", entity)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ShapeError{Entity: entity, Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return &ShapeError{Entity: entity, Err: err}
	}
	return nil
}

// Decode validates raw and unmarshals it into T, reading zoneless timestamps in loc.
func Decode[T any](entity string, raw json.RawMessage, loc *time.Location) (T, error) {
	var out T
	if err := Validate(entity, raw); err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &ShapeError{Entity: entity, Err: err}
	}
	if z, ok := any(&out).(zoned); ok {
		z.setZone(zoneOrUTC(loc))
	}
	return out, nil
}
