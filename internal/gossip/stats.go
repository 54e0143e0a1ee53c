package gossip

import (
	"context"
	"time"
)

// StatsBroadcaster periodically announces this node's connected peers and
// refreshes the subscriber set.
type StatsBroadcaster struct {
	ch       *Channel
	peers    func() []string
	nodeType string
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewStatsBroadcaster(ch *Channel, peers func() []string, nodeType string, interval time.Duration) *StatsBroadcaster {
	return &StatsBroadcaster{
		ch:       ch,
		peers:    peers,
		nodeType: nodeType,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background goroutine.
func (s *StatsBroadcaster) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *StatsBroadcaster) tick() {
	s.ch.RefreshSubscribers()
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	if err := s.ch.PublishStats(ctx, s.peers(), s.nodeType); err != nil {
		s.ch.log.Debug().Err(err).Msg("stats broadcast failed")
	}
}

// Stop signals the goroutine to stop and waits for it to finish.
func (s *StatsBroadcaster) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
