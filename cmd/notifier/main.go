package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/craftlink/backend/internal/notify"
)

// The notifier turns domain events into user notifications. Delivery here is
// log-based; swapping in email/SMS/push providers only touches dispatch.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load()
	url := os.Getenv("AMQP_URL")
	if url == "" {
		slog.Error("AMQP_URL is required")
		os.Exit(1)
	}
	queue := os.Getenv("NOTIFIER_QUEUE")
	if queue == "" {
		queue = "craftlink.notifications"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys := []string{"booking.*", "payout.*"}
	slog.Info("Notifier consuming", "queue", queue, "keys", keys)
	if err := notify.Consume(ctx, url, queue, keys, dispatch(logger), logger); err != nil && ctx.Err() == nil {
		slog.Error("Notifier stopped", "error", err)
		os.Exit(1)
	}
}

func dispatch(logger *slog.Logger) notify.Handler {
	return func(ctx context.Context, e notify.Event) error {
		recipient, msg := render(e)
		if msg == "" {
			logger.Debug("no notification for event", "kind", e.Kind)
			return nil
		}
		logger.Info("notification",
			"kind", e.Kind,
			"recipient", recipient,
			"booking_id", e.BookingID,
			"message", msg,
		)
		return nil
	}
}

// render picks who hears about the event and what they are told.
func render(e notify.Event) (uuid.UUID, string) {
	switch e.Kind {
	case notify.KindBookingPaid:
		return e.ProviderID, fmt.Sprintf("Booking %s is paid; %s is held in escrow until the client confirms.", shortID(e.BookingID), money(e.Amount))
	case notify.KindBookingCompleted:
		return e.ClientID, fmt.Sprintf("Booking %s is complete. Thanks for confirming.", shortID(e.BookingID))
	case notify.KindBookingCancelled:
		return e.ProviderID, fmt.Sprintf("Booking %s was cancelled (%s).", shortID(e.BookingID), e.Reason)
	case notify.KindPayoutInitiated:
		return e.ProviderID, fmt.Sprintf("Your payout of %s for booking %s is on its way.", money(e.Amount), shortID(e.BookingID))
	case notify.KindPayoutReleased:
		return e.ProviderID, fmt.Sprintf("Your payout of %s for booking %s has been released to your bank.", money(e.Amount), shortID(e.BookingID))
	case notify.KindPayoutFailed:
		return e.ProviderID, fmt.Sprintf("Your payout for booking %s could not be completed (%s). We will retry; check your bank details.", shortID(e.BookingID), e.Reason)
	default:
		return uuid.Nil, ""
	}
}

// money renders integer minor units for humans.
func money(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
