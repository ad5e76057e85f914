package consent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RequestExpiry sweeps consent requests that stayed REQUESTED past their
// allowed window and closes them as EXPIRED. Every flip is guarded on the
// prior status, so a sweep racing a patient's decision loses cleanly.
type RequestExpiry struct {
	requests RequestRepository
	notifier *Notifier
	maxAge   time.Duration
	interval time.Duration
	batch    int
	log      zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
	now      func() time.Time
}

func NewRequestExpiry(requests RequestRepository, notifier *Notifier, maxAge, interval time.Duration, batch int, log zerolog.Logger) *RequestExpiry {
	if batch <= 0 {
		batch = 100
	}
	return &RequestExpiry{
		requests: requests,
		notifier: notifier,
		maxAge:   maxAge,
		interval: interval,
		batch:    batch,
		log:      log.With().Str("component", "request-expiry").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the sweep loop.
func (e *RequestExpiry) Start() {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.Sweep(context.Background())
			}
		}
	}()
	e.log.Info().Dur("interval", e.interval).Dur("max_age", e.maxAge).Msg("request expiry sweeper started")
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (e *RequestExpiry) Stop() {
	close(e.stop)
	<-e.done
}

// Sweep runs one pass. Candidates are handled one at a time so a single bad
// row cannot stall the rest of the batch.
func (e *RequestExpiry) Sweep(ctx context.Context) {
	cutoff := e.now().Add(-e.maxAge)
	candidates, err := e.requests.ListOlderThan(ctx, StatusRequested, cutoff, e.batch)
	if err != nil {
		e.log.Error().Err(err).Msg("list expirable requests failed")
		return
	}
	for _, cr := range candidates {
		affected, err := e.requests.UpdateStatus(ctx, cr.RequestID, StatusRequested, StatusExpired)
		if err != nil {
			e.log.Error().Err(err).Str("request_id", cr.RequestID).Msg("expire request failed")
			continue
		}
		if affected == 0 {
			// Decided between the list and the update.
			continue
		}
		if err := e.notifier.StatusChanged(ctx, cr.RequestID, StatusExpired, cr.Detail.ConsentNotificationURL, nil); err != nil {
			e.log.Error().Err(err).Str("request_id", cr.RequestID).Msg("expiry fan-out failed")
			continue
		}
		e.log.Info().Str("request_id", cr.RequestID).Msg("consent request expired")
	}
}

// ArtefactExpiry sweeps GRANTED artefacts whose data-erase instant has
// passed and closes them as EXPIRED, flipping the parent request along with
// each artefact pair.
type ArtefactExpiry struct {
	artefacts ArtefactRepository
	requests  RequestRepository
	notifier  *Notifier
	interval  time.Duration
	batch     int
	log       zerolog.Logger
	stop      chan struct{}
	done      chan struct{}
	now       func() time.Time
}

func NewArtefactExpiry(artefacts ArtefactRepository, requests RequestRepository, notifier *Notifier, interval time.Duration, batch int, log zerolog.Logger) *ArtefactExpiry {
	if batch <= 0 {
		batch = 100
	}
	return &ArtefactExpiry{
		artefacts: artefacts,
		requests:  requests,
		notifier:  notifier,
		interval:  interval,
		batch:     batch,
		log:       log.With().Str("component", "artefact-expiry").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the sweep loop.
func (e *ArtefactExpiry) Start() {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.Sweep(context.Background())
			}
		}
	}()
	e.log.Info().Dur("interval", e.interval).Msg("artefact expiry sweeper started")
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (e *ArtefactExpiry) Stop() {
	close(e.stop)
	<-e.done
}

// Sweep runs one pass over expired GRANTED artefacts.
func (e *ArtefactExpiry) Sweep(ctx context.Context) {
	candidates, err := e.artefacts.ListExpiredGranted(ctx, e.now(), e.batch)
	if err != nil {
		e.log.Error().Err(err).Msg("list expirable artefacts failed")
		return
	}
	for _, a := range candidates {
		affected, err := e.artefacts.UpdateStatus(ctx, a.ConsentID, a.ConsentRequestID, StatusExpired)
		if err != nil {
			e.log.Error().Err(err).Str("consent_id", a.ConsentID).Msg("expire artefact failed")
			continue
		}
		if affected == 0 {
			// Revoked or expired concurrently.
			continue
		}

		cr, err := e.requests.Get(ctx, a.ConsentRequestID)
		if err != nil {
			e.log.Error().Err(err).Str("consent_id", a.ConsentID).Msg("load parent request failed")
			continue
		}
		expired := *a
		expired.Status = StatusExpired
		if err := e.notifier.StatusChanged(ctx, a.ConsentRequestID, StatusExpired, cr.Detail.ConsentNotificationURL, []*ConsentArtefact{&expired}); err != nil {
			e.log.Error().Err(err).Str("consent_id", a.ConsentID).Msg("expiry fan-out failed")
			continue
		}
		e.log.Info().Str("consent_id", a.ConsentID).Msg("consent artefact expired")
	}
}
