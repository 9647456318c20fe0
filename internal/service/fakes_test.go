package service

import (
	"context"
	"sync"
)

// recordingPublisher captures published facts for assertions.
type recordingPublisher struct {
	mu    sync.Mutex
	facts []publishedFact
}

type publishedFact struct {
	Topic string
	Fact  any
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, fact any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.facts = append(p.facts, publishedFact{Topic: topic, Fact: fact})
	return nil
}

func (p *recordingPublisher) published(topic string) []publishedFact {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []publishedFact
	for _, f := range p.facts {
		if f.Topic == topic {
			out = append(out, f)
		}
	}
	return out
}
