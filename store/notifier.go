package store

import "sync"

// notifier fans committed row changes out to in-process subscribers, keyed by
// campaign id. Sends never block: a subscriber whose buffer is full misses
// the event and self-heals on its next full re-fetch.
type notifier struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	campaignID string
	ch         chan Event
}

const subscriptionBuffer = 32

func newNotifier() *notifier {
	return &notifier{subs: make(map[*subscription]struct{})}
}

func (n *notifier) subscribe(campaignID string) (<-chan Event, func()) {
	sub := &subscription{campaignID: campaignID, ch: make(chan Event, subscriptionBuffer)}
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	// Membership in n.subs marks the channel as still open: closeAll may have
	// already removed and closed it, so only close when removal happens here.
	cancel := func() {
		n.mu.Lock()
		if _, ok := n.subs[sub]; ok {
			delete(n.subs, sub)
			close(sub.ch)
		}
		n.mu.Unlock()
	}
	return sub.ch, cancel
}

func (n *notifier) publish(campaignID string, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs {
		if sub.campaignID != campaignID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs {
		close(sub.ch)
		delete(n.subs, sub)
	}
}
