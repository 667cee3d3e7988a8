package credentials

import (
	"errors"
	"strings"
	"sync"

	"github.com/HanTheDev/review-gateway/internal/metrics"
	"github.com/HanTheDev/review-gateway/internal/models"
	log "github.com/sirupsen/logrus"
)

// Rotator round-robins over the configured OAuth client credentials so that
// quota consumption is spread across several client projects.
type Rotator struct {
	mu    sync.Mutex
	sets  []models.CredentialSet
	index int
}

func NewRotator(sets []models.CredentialSet) (*Rotator, error) {
	valid := make([]models.CredentialSet, 0, len(sets))
	for _, set := range sets {
		if strings.TrimSpace(set.ClientID) == "" || strings.TrimSpace(set.ClientSecret) == "" {
			continue
		}
		valid = append(valid, set)
	}
	if len(valid) == 0 {
		return nil, errors.New("credentials: no client credentials configured")
	}
	return &Rotator{sets: valid}, nil
}

// Next advances to the following credential set and returns it. With a
// single set configured it keeps returning that set.
func (r *Rotator) Next() models.CredentialSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sets) > 1 {
		r.index = (r.index + 1) % len(r.sets)
		metrics.CredentialRotations.Inc()
		log.Infof("credentials: rotated to client set %d/%d", r.index+1, len(r.sets))
	}
	return r.sets[r.index]
}

func (r *Rotator) Current() models.CredentialSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets[r.index]
}

func (r *Rotator) Index() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

func (r *Rotator) Len() int {
	return len(r.sets)
}
