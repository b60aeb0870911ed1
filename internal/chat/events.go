package chat

// Subscribe returns a channel of controller events and an unsubscribe func.
// Slow subscribers miss events rather than block the controller.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
}

func (c *Controller) publish(evt Event) {
	evt.AssistantType = c.assistantType
	if evt.At.IsZero() {
		evt.At = c.now().UTC()
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
