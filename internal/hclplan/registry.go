package hclplan

import (
	"fmt"

	"github.com/vk/expertgrid/internal/expert"
	"github.com/vk/expertgrid/internal/socketexpert"
)

// Registry builds the declared experts. Each one is wrapped to retry its own
// execution errors up to maxRetries times.
func (c *Catalogue) Registry(maxRetries int) (*expert.Registry, error) {
	r := expert.NewRegistry()
	for _, spec := range c.Experts {
		e, err := newExpert(spec)
		if err != nil {
			return nil, err
		}
		if err := r.Register(expert.Retrying(e, maxRetries)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func newExpert(spec ExpertSpec) (expert.Expert, error) {
	profile := expert.Profile{ID: spec.Name, Name: spec.Name, Description: spec.Description}
	switch spec.Kind {
	case KindEcho:
		return &expert.Echo{P: profile}, nil
	case KindSocketIO:
		remote, err := socketexpert.New(socketexpert.Config{
			Profile:            profile,
			URL:                spec.URL,
			Namespace:          spec.Namespace,
			Timeout:            spec.Timeout,
			InsecureSkipVerify: spec.InsecureSkipVerify,
		})
		if err != nil {
			return nil, err
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("expert %q: unknown kind %q", spec.Name, spec.Kind)
	}
}
