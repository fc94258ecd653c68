package adapter

import (
	"errors"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "deadlinebot/internal/transport"
)

var unavailable = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrNotStartedByUser,
}

// mapError converts telebot errors into the transport's error vocabulary.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.FloodError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	for _, e := range unavailable {
		if errors.Is(err, e) {
			return fmt.Errorf("%w: %v", kit.ErrChatUnavailable, err)
		}
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 403 {
		return fmt.Errorf("%w: %v", kit.ErrChatUnavailable, err)
	}
	return err
}
