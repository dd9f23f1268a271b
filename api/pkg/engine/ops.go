package engine

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
)

// Messaging operations are executed as script against the web client's
// internal store, the same surface the page's own UI uses. Each call
// re-checks the engine handle so a destroyed session fails fast instead
// of touching a dead browser.

func (e *RodEngine) opPage() (*rod.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.page == nil {
		return nil, ErrNotInitialized
	}
	return e.page, nil
}

func (e *RodEngine) SendMessage(ctx context.Context, target, message string) error {
	page, err := e.opPage()
	if err != nil {
		return err
	}

	result, err := page.Context(ctx).Eval(`async (target, message) => {
		const chatId = target.includes('@') ? target : target + '@c.us';
		const wid = window.Store.WidFactory.createWid(chatId);
		const chat = await window.Store.Chat.find(wid);
		if (!chat) throw new Error('chat not found: ' + chatId);
		await window.Store.SendMessage.addAndSendTextMsg(chat, message);
		return true;
	}`, target, message)
	if err != nil {
		return fmt.Errorf("send message failed: %w", err)
	}
	if !result.Value.Bool() {
		return fmt.Errorf("send message to %s was not acknowledged", target)
	}
	return nil
}

func (e *RodEngine) Contacts(ctx context.Context) ([]Contact, error) {
	page, err := e.opPage()
	if err != nil {
		return nil, err
	}

	result, err := page.Context(ctx).Eval(`() => {
		return window.Store.Contact.getModelsArray()
			.filter(c => c.isMyContact)
			.map(c => ({
				phone: c.id.user,
				first_name: c.name || c.pushname || '',
			}));
	}`)
	if err != nil {
		return nil, fmt.Errorf("contacts query failed: %w", err)
	}

	var contacts []Contact
	for _, item := range result.Value.Arr() {
		contacts = append(contacts, Contact{
			Phone:     item.Get("phone").Str(),
			FirstName: item.Get("first_name").Str(),
		})
	}
	return contacts, nil
}

func (e *RodEngine) AddContact(ctx context.Context, phone, firstName, lastName string) error {
	page, err := e.opPage()
	if err != nil {
		return err
	}

	// The web client has no real address book write; opening the chat
	// makes the number reachable for subsequent sends.
	_, err = page.Context(ctx).Eval(`async (phone) => {
		const wid = window.Store.WidFactory.createWid(phone + '@c.us');
		await window.Store.Chat.find(wid);
		return true;
	}`, phone)
	if err != nil {
		return fmt.Errorf("add contact failed: %w", err)
	}
	return nil
}

func (e *RodEngine) CreateGroup(ctx context.Context, name string, participants []string) (string, error) {
	page, err := e.opPage()
	if err != nil {
		return "", err
	}

	result, err := page.Context(ctx).Eval(`async (name, participants) => {
		const wids = participants.map(p => window.Store.WidFactory.createWid(p + '@c.us'));
		const res = await window.Store.GroupUtils.createGroup(name, wids, 0);
		return '' + res.wid;
	}`, name, participants)
	if err != nil {
		return "", fmt.Errorf("create group failed: %w", err)
	}
	return result.Value.Str(), nil
}

func (e *RodEngine) AddParticipants(ctx context.Context, groupID string, participants []string) error {
	page, err := e.opPage()
	if err != nil {
		return err
	}

	_, err = page.Context(ctx).Eval(`async (groupId, participants) => {
		const groupWid = window.Store.WidFactory.createWid(groupId);
		const chat = await window.Store.Chat.find(groupWid);
		const wids = participants.map(p => window.Store.WidFactory.createWid(p + '@c.us'));
		await window.Store.GroupUtils.addParticipants(chat, wids);
		return true;
	}`, groupID, participants)
	if err != nil {
		return fmt.Errorf("add participants failed: %w", err)
	}
	return nil
}

func (e *RodEngine) Logout(ctx context.Context) error {
	page, err := e.opPage()
	if err != nil {
		return err
	}

	_, err = page.Context(ctx).Eval(`async () => {
		await window.Store.AppState.logout();
		return true;
	}`)
	if err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	return nil
}
