package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/engine"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

func (c *Controller) engineForOps() (engine.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != types.SessionStatusLoggedIn || c.eng == nil {
		return nil, ErrNotLoggedIn
	}
	return c.eng, nil
}

// noteOperationError tears the session down when an operation error means
// the browser transport is gone. Ordinary operation failures pass through.
func (c *Controller) noteOperationError(err error) {
	if !isCriticalTransport(err) {
		return
	}
	log.Warn().Err(err).
		Str("account_id", c.opts.AccountID).
		Msg("critical transport error, tearing session down")

	c.mu.Lock()
	eng := c.teardownLocked(true)
	c.status = types.SessionStatusError
	c.lastErr = err.Error()
	c.mu.Unlock()

	if eng != nil {
		go eng.Destroy()
	}
	c.events.add("transport-error", types.SessionStatusError, err.Error())
}

func (c *Controller) SendMessage(ctx context.Context, target, message string) error {
	eng, err := c.engineForOps()
	if err != nil {
		return err
	}
	if err := eng.SendMessage(ctx, target, message); err != nil {
		c.noteOperationError(err)
		return err
	}
	c.events.add("message-sent", types.SessionStatusLoggedIn, target)
	return nil
}

func (c *Controller) Contacts(ctx context.Context) ([]engine.Contact, error) {
	eng, err := c.engineForOps()
	if err != nil {
		return nil, err
	}
	contacts, err := eng.Contacts(ctx)
	if err != nil {
		c.noteOperationError(err)
		return nil, err
	}
	return contacts, nil
}

func (c *Controller) AddContact(ctx context.Context, phone, firstName, lastName string) error {
	eng, err := c.engineForOps()
	if err != nil {
		return err
	}
	if err := eng.AddContact(ctx, phone, firstName, lastName); err != nil {
		c.noteOperationError(err)
		return err
	}
	return nil
}

func (c *Controller) CreateGroup(ctx context.Context, name string, participants []string) (string, error) {
	eng, err := c.engineForOps()
	if err != nil {
		return "", err
	}
	groupID, err := eng.CreateGroup(ctx, name, participants)
	if err != nil {
		c.noteOperationError(err)
		return "", err
	}
	return groupID, nil
}

func (c *Controller) AddParticipants(ctx context.Context, groupID string, participants []string) error {
	eng, err := c.engineForOps()
	if err != nil {
		return err
	}
	if err := eng.AddParticipants(ctx, groupID, participants); err != nil {
		c.noteOperationError(err)
		return err
	}
	return nil
}
