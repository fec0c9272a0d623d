package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/stancp327/Fetchwork-sub000/internal/clock"
	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
)

// apply folds one server event into the client state, resolves a waiting
// request with the same ref and finally calls the OnEvent hook.
func (c *Client) apply(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventUserOnline, protocol.EventUserOffline:
		var p protocol.UserPresence
		if env.Unmarshal(&p) == nil {
			c.mu.Lock()
			if env.Event == protocol.EventUserOnline {
				c.online[p.UserID] = true
			} else {
				delete(c.online, p.UserID)
			}
			c.mu.Unlock()
		}

	case protocol.EventOnlineStatus:
		var status protocol.OnlineStatus
		if env.Unmarshal(&status) == nil {
			c.mu.Lock()
			for key, online := range status {
				id, err := strconv.ParseInt(key, 10, 64)
				if err != nil {
					continue
				}
				if online {
					c.online[id] = true
				} else {
					delete(c.online, id)
				}
			}
			c.mu.Unlock()
		}

	case protocol.EventMessageReceive:
		var p protocol.MessageReceive
		if env.Unmarshal(&p) == nil {
			c.appendMessage(p.Message)
			c.stopTyping(p.Message.Thread(), p.Message.SenderID, nil)
		}

	case protocol.EventMessageDelivered:
		var p protocol.MessageDelivered
		if env.Unmarshal(&p) == nil {
			c.markDelivered(p)
		}

	case protocol.EventMessageRead:
		var p protocol.MessageRead
		if env.Unmarshal(&p) == nil {
			c.markRead(p)
		}

	case protocol.EventMessageDeleted:
		var p protocol.MessageDeleted
		if env.Unmarshal(&p) == nil {
			c.markDeleted(p)
		}

	case protocol.EventTypingStart, protocol.EventTypingStop:
		var p protocol.TypingEvent
		if env.Unmarshal(&p) == nil {
			if thread, err := p.Thread(); err == nil {
				if env.Event == protocol.EventTypingStart {
					c.startTyping(thread, p.UserID)
				} else {
					c.stopTyping(thread, p.UserID, nil)
				}
			}
		}

	case protocol.EventConversationUpdate:
		var p protocol.ConversationUpdate
		if env.Unmarshal(&p) == nil {
			c.upsertConversation(p.Conversation)
		}
	}

	if env.Ref != "" {
		c.pendMu.Lock()
		ch, ok := c.pending[env.Ref]
		if ok {
			delete(c.pending, env.Ref)
		}
		c.pendMu.Unlock()
		if ok {
			ch <- reply{env: env}
		}
	}

	c.hookMu.RLock()
	hook := c.onEvent
	c.hookMu.RUnlock()
	if hook != nil {
		hook(env)
	}
}

// appendMessage adds m to its thread if the thread has been loaded. A
// message already present is replaced.
func (c *Client) appendMessage(m protocol.MessagePayload) {
	thread := m.Thread()
	c.mu.Lock()
	defer c.mu.Unlock()

	if msgs, ok := c.threads[thread]; ok {
		replaced := false
		for i := range msgs {
			if msgs[i].ID == m.ID {
				msgs[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			c.threads[thread] = append(msgs, m)
		}
	}

	if thread.Kind != domain.ThreadConversation {
		return
	}
	for i, conv := range c.conversations {
		if conv.ID != thread.ID {
			continue
		}
		conv.LastMessage = &protocol.LastMessagePayload{Content: m.Content, SenderID: m.SenderID, SentAt: m.CreatedAt}
		if m.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = m.CreatedAt
		}
		c.moveConversationToFront(i, conv)
		return
	}
}

func (c *Client) upsertConversation(conv protocol.ConversationPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.conversations {
		if existing.ID == conv.ID {
			if !conv.IsActive {
				c.conversations = append(c.conversations[:i], c.conversations[i+1:]...)
				return
			}
			c.moveConversationToFront(i, conv)
			return
		}
	}
	if conv.IsActive {
		c.conversations = append([]protocol.ConversationPayload{conv}, c.conversations...)
	}
}

// moveConversationToFront must be called with c.mu held.
func (c *Client) moveConversationToFront(i int, conv protocol.ConversationPayload) {
	copy(c.conversations[1:i+1], c.conversations[:i])
	c.conversations[0] = conv
}

func (c *Client) markDelivered(p protocol.MessageDelivered) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msgs := range c.threads {
		for i := range msgs {
			if msgs[i].ID != p.MessageID {
				continue
			}
			if msgs[i].RoomID != 0 {
				msgs[i].DeliveredTo = mergeIDs(msgs[i].DeliveredTo, p.DeliveredTo)
			} else if msgs[i].DeliveredAt == nil {
				at := p.DeliveredAt
				msgs[i].DeliveredAt = &at
			}
			return
		}
	}
}

func (c *Client) markRead(p protocol.MessageRead) {
	thread, err := p.Thread()
	if err != nil {
		return
	}
	ids := make(map[int64]bool, len(p.MessageIDs))
	for _, id := range p.MessageIDs {
		ids[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.threads[thread]
	for i := range msgs {
		if !ids[msgs[i].ID] {
			continue
		}
		if thread.Kind == domain.ThreadRoom {
			msgs[i].ReadBy = mergeIDs(msgs[i].ReadBy, []int64{p.ReaderID})
			continue
		}
		if msgs[i].ReadAt == nil {
			at := p.ReadAt
			msgs[i].ReadAt = &at
		}
	}
}

func (c *Client) markDeleted(p protocol.MessageDeleted) {
	thread, err := p.Thread()
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.threads[thread]
	for i := range msgs {
		if msgs[i].ID == p.MessageID {
			msgs[i].IsDeleted = true
			msgs[i].Content = ""
			msgs[i].Attachments = nil
		}
	}
}

type typingEntry struct {
	timer *clock.Timer
}

// startTyping records userID as typing in thread until a typing:stop, a
// message from the user or the typing timeout.
func (c *Client) startTyping(thread domain.ThreadRef, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.typing[thread]
	if users == nil {
		users = make(map[int64]*typingEntry)
		c.typing[thread] = users
	}
	if old := users[userID]; old != nil {
		old.timer.Stop()
	}
	entry := &typingEntry{}
	entry.timer = c.clock.AfterFunc(c.cfg.TypingTimeout, func() {
		c.stopTyping(thread, userID, entry)
	})
	users[userID] = entry
}

// stopTyping clears the typing entry. With a non-nil only, the entry is
// cleared only if it is still that one.
func (c *Client) stopTyping(thread domain.ThreadRef, userID int64, only *typingEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.typing[thread]
	current, ok := users[userID]
	if !ok || (only != nil && current != only) {
		return
	}
	if only == nil {
		current.timer.Stop()
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(c.typing, thread)
	}
}

func mergeIDs(have, add []int64) []int64 {
	seen := make(map[int64]bool, len(have)+len(add))
	res := make([]int64, 0, len(have)+len(add))
	for _, id := range append(append([]int64(nil), have...), add...) {
		if !seen[id] {
			seen[id] = true
			res = append(res, id)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// OnlineUsers returns the users currently known to be online, sorted.
func (c *Client) OnlineUsers() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, 0, len(c.online))
	for id := range c.online {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// replaceOnline sets the online set to the users marked online in status.
func (c *Client) replaceOnline(status protocol.OnlineStatus) {
	online := make(map[int64]bool, len(status))
	for key, on := range status {
		if id, err := strconv.ParseInt(key, 10, 64); err == nil && on {
			online[id] = true
		}
	}
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

func (c *Client) IsOnline(userID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online[userID]
}

// Messages returns a copy of the loaded messages of thread, oldest first,
// and whether the thread has been loaded.
func (c *Client) Messages(thread domain.ThreadRef) ([]protocol.MessagePayload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs, ok := c.threads[thread]
	return append([]protocol.MessagePayload(nil), msgs...), ok
}

// Typing returns the users typing in thread, sorted.
func (c *Client) Typing(thread domain.ThreadRef) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, 0, len(c.typing[thread]))
	for id := range c.typing[thread] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Client) Conversations() []protocol.ConversationPayload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.ConversationPayload(nil), c.conversations...)
}

// FetchConversations loads the conversation list once; later calls return
// the live-updated copy.
func (c *Client) FetchConversations(ctx context.Context) ([]protocol.ConversationPayload, error) {
	c.mu.RLock()
	loaded := c.convLoaded
	c.mu.RUnlock()
	if loaded {
		return c.Conversations(), nil
	}

	var convs []protocol.ConversationPayload
	if err := c.getJSON(ctx, "/api/conversations", &convs); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if !c.convLoaded {
		c.conversations = convs
		c.convLoaded = true
	}
	c.mu.Unlock()
	return c.Conversations(), nil
}

// FetchMessages loads the latest page of thread. From then on the thread
// receives live appends.
func (c *Client) FetchMessages(ctx context.Context, thread domain.ThreadRef) ([]protocol.MessagePayload, error) {
	path := fmt.Sprintf("/api/conversations/%d/messages", thread.ID)
	if thread.Kind == domain.ThreadRoom {
		path = fmt.Sprintf("/api/rooms/%d/messages", thread.ID)
	}
	var page struct {
		Messages []protocol.MessagePayload `json:"messages"`
	}
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	if page.Messages == nil {
		page.Messages = []protocol.MessagePayload{}
	}

	c.mu.Lock()
	c.threads[thread] = page.Messages
	c.mu.Unlock()
	msgs, _ := c.Messages(thread)
	return msgs, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &ServerError{Code: e.Code, Message: fmt.Sprintf("GET %s: %d %s", path, resp.StatusCode, e.Error)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
