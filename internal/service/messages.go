package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

func renderMessage(kind domain.NotificationKind, f map[string]string) string {
	switch kind {
	case domain.NotifyReassignment:
		var b strings.Builder
		b.WriteString("Your consultation has a new manager.")
		if f["old_manager_key"] != "" {
			fmt.Fprintf(&b, "\nWas: %s", orDefault(f["old_manager_name"], "not assigned"))
		}
		fmt.Fprintf(&b, "\nNow: %s", orDefault(f["new_manager_name"], "not assigned"))
		return b.String()
	case domain.NotifyQueueUpdate:
		msg := "You are #" + f["queue_position"] + " in the queue."
		if f["wait_min"] != "" {
			return msg + " Estimated wait: " + humanMinutes(f["wait_min"]) + " to " + humanMinutes(f["wait_max"]) + "."
		}
		if f["wait"] != "" {
			return msg + " Estimated wait: " + humanMinutes(f["wait"]) + "."
		}
		return msg
	case domain.NotifyReschedule:
		if f["new_date"] != "" {
			return "Your consultation has been moved to " + f["new_date"] + "."
		}
		return "Your consultation has been moved. The manager will contact you to agree on a new time."
	case domain.NotifyRating:
		return "Thank you for rating the consultation (question " + f["question"] + ": " + f["score"] + ")."
	case domain.NotifyCall:
		return "Your manager tried to call you at " + f["period"] + ". Please stay available, they will try again."
	case domain.NotifyQueueClosed:
		return "The queue of " + orDefault(f["manager_name"], "your manager") + " is closed for " + f["day"] +
			". Your consultation will be reassigned to another manager shortly."
	}
	return ""
}

func waitFields(est WaitEstimate) map[string]string {
	if est.IsRange {
		return map[string]string{
			"wait_min": strconv.Itoa(est.MinMinutes),
			"wait_max": strconv.Itoa(est.MaxMinutes),
		}
	}
	return map[string]string{"wait": strconv.Itoa(est.Minutes)}
}

func humanMinutes(raw string) string {
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		return raw
	}
	if minutes < 60 {
		return strconv.Itoa(minutes) + " min"
	}
	hours := (minutes + 30) / 60
	if hours == 1 {
		return "about 1 hour"
	}
	return "about " + strconv.Itoa(hours) + " hours"
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
