package services

import (
	"fmt"
	"log"

	pubnub "github.com/pubnub/go"
)

// Notifier pushes realtime notifications to users. Delivery is best
// effort and never blocks marketplace operations.
type Notifier interface {
	NotifyUser(userID string, message map[string]any)
}

// PubNubNotifier publishes to per-user channels.
type PubNubNotifier struct {
	pn *pubnub.PubNub
}

var (
	_ Notifier = (*PubNubNotifier)(nil)
	_ Notifier = NopNotifier{}
)

func NewPubNubNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{pn: pn}
}

func (n *PubNubNotifier) NotifyUser(userID string, message map[string]any) {
	channel := fmt.Sprintf("user-%s", userID)
	go func() {
		_, pnStatus, err := n.pn.Publish().
			Channel(channel).
			Message(message).
			Execute()
		if err != nil {
			log.Printf("notifier: publish to %s: %v", channel, err)
			return
		}
		if pnStatus.Error != nil {
			log.Printf("notifier: publish to %s: status %d: %v", channel, pnStatus.StatusCode, pnStatus.Error)
		}
	}()
}

// NopNotifier discards notifications. Used in tests and when PubNub is
// not configured.
type NopNotifier struct{}

func (NopNotifier) NotifyUser(string, map[string]any) {}
