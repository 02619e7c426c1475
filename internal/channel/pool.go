package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowdial/flowdial/internal/database"
	"github.com/flowdial/flowdial/internal/database/models"
)

// ErrPoolEmpty is returned by Allocate when the pool holds no channels at
// all, even after synthesis. With fallback synthesis in place this should
// only happen before Connect has run.
var ErrPoolEmpty = errors.New("channel pool is empty")

const (
	// loadAttempts bounds the channel load retries during Connect.
	loadAttempts = 5
	// loadBackoffStep is the linear backoff increment between load attempts.
	loadBackoffStep = 2 * time.Second
	// healthInterval is how often the pool verifies storage reachability
	// and self-heals stuck channel state.
	healthInterval = 60 * time.Second
	// quarantineThreshold is the consecutive failure count at which a
	// channel is pulled out of rotation for a cooldown.
	quarantineThreshold = 3
	// quarantineCooldown is how long a quarantined channel stays in error
	// state before it is restored with a clean failure count.
	quarantineCooldown = 60 * time.Second
)

// Pool manages the bounded set of SIP channels used to place outbound calls.
// Channels are loaded from storage at Connect time; when storage has none the
// pool synthesizes fallbacks from caller identities, and as a last resort
// from two built-in virtual identities, so the dialer always has something
// to dial with. All channel state changes go through Allocate and Release.
type Pool struct {
	channels   database.ChannelRepository
	identities database.CallerIdentityRepository
	enc        *database.Encryptor
	logger     *slog.Logger

	defaultDomain string
	promoteBusy   bool
	cooldown      time.Duration
	nowFunc       func() time.Time

	mu        sync.Mutex
	entries   []*models.Channel
	connected bool

	// nextVirtualID hands out negative IDs to synthesized channels that
	// could not be persisted, so Release and restore can still tell them
	// apart. Storage IDs are always positive.
	nextVirtualID int64
}

// NewPool creates a channel pool. Passwords handed out by Allocate are
// decrypted; enc may be nil when field encryption is disabled. defaultDomain
// is the SIP domain used for synthesized fallback channels.
func NewPool(channels database.ChannelRepository, identities database.CallerIdentityRepository, enc *database.Encryptor, defaultDomain string, promoteBusy bool, logger *slog.Logger) *Pool {
	return &Pool{
		channels:      channels,
		identities:    identities,
		enc:           enc,
		logger:        logger.With("subsystem", "channel-pool"),
		defaultDomain: defaultDomain,
		promoteBusy:   promoteBusy,
		cooldown:      quarantineCooldown,
		nowFunc:       time.Now,
	}
}

// Connect loads the channel inventory from storage with retries, falling back
// to synthesized channels when storage yields nothing. It never returns an
// error: after exhausting retries the pool enters emergency fallback mode
// with forced-available synthesized channels and keeps serving.
func (p *Pool) Connect(ctx context.Context) {
	var loaded []models.Channel
	var lastErr error

	for attempt := 1; attempt <= loadAttempts; attempt++ {
		channels, err := p.channels.List(ctx)
		if err == nil {
			loaded = channels
			lastErr = nil
			break
		}
		lastErr = err

		delay := time.Duration(attempt) * loadBackoffStep
		p.logger.Warn("channel load failed",
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			attempt = loadAttempts
		case <-time.After(delay):
		}
	}

	if lastErr != nil {
		p.logger.Error("channel load exhausted retries, entering emergency fallback", "error", lastErr)
	}

	entries := make([]*models.Channel, 0, len(loaded))
	for i := range loaded {
		ch := loaded[i]
		password, err := p.enc.Decrypt(ch.Password)
		if err != nil {
			p.logger.Warn("cannot decrypt channel password, skipping channel",
				"channel", ch.Username, "error", err)
			continue
		}
		ch.Password = password
		// Runtime state does not survive a restart. Whatever was
		// persisted as busy or error is stale now.
		ch.Status = models.ChannelAvailable
		ch.FailCount = 0
		entries = append(entries, &ch)
	}

	if len(entries) == 0 {
		entries = p.synthesize(ctx)
	}

	p.mu.Lock()
	p.entries = entries
	p.connected = true
	p.mu.Unlock()

	p.logger.Info("channel pool connected", "channels", len(entries))
}

// synthesize builds fallback channels when storage holds none: one per
// active caller identity, or two built-in virtual identities when there are
// no identities either. Synthesized channels are persisted best-effort so
// they show up in the admin channel listing.
func (p *Pool) synthesize(ctx context.Context) []*models.Channel {
	var entries []*models.Channel

	identities, err := p.identities.ListActive(ctx)
	if err != nil {
		p.logger.Warn("cannot load caller identities for synthesis", "error", err)
	}
	for i := range identities {
		ci := identities[i]
		domain := ci.Domain
		if domain == "" {
			domain = p.defaultDomain
		}
		entries = append(entries, &models.Channel{
			Username:         fmt.Sprintf("fd-%s", ci.CallerIDNum),
			CallerIdentityID: &ci.ID,
			Domain:           domain,
			Status:           models.ChannelAvailable,
			Virtual:          true,
		})
	}

	if len(entries) == 0 {
		p.logger.Warn("no caller identities available, synthesizing built-in fallback channels")
		for _, username := range []string{"fd-fallback-1", "fd-fallback-2"} {
			entries = append(entries, &models.Channel{
				Username: username,
				Domain:   p.defaultDomain,
				Status:   models.ChannelAvailable,
				Virtual:  true,
			})
		}
	}

	for _, ch := range entries {
		persisted := *ch
		encrypted, err := p.enc.Encrypt(persisted.Password)
		if err == nil {
			persisted.Password = encrypted
			err = p.channels.Create(ctx, &persisted)
		}
		if err != nil {
			p.logger.Warn("cannot persist synthesized channel",
				"channel", ch.Username, "error", err)
			p.nextVirtualID--
			ch.ID = p.nextVirtualID
			continue
		}
		ch.ID = persisted.ID
	}

	return entries
}

// Allocate returns the best available channel and marks it busy. Channels
// are ranked by ascending failure count, then by longest-rested. When none
// is available the pool reloads from storage once, and as a last resort
// promotes the longest-held busy channel back into service rather than
// denying the request.
func (p *Pool) Allocate(ctx context.Context) (models.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch := p.takeAvailableLocked(); ch != nil {
		return *ch, nil
	}

	// Storage may have grown channels since the last load.
	p.reloadLocked(ctx)
	if ch := p.takeAvailableLocked(); ch != nil {
		return *ch, nil
	}

	if p.promoteBusy {
		if ch := p.oldestBusyLocked(); ch != nil {
			p.logger.Warn("no available channels, promoting busy channel",
				"channel", ch.Username,
				"busy_since", ch.LastUsedAt,
			)
			p.markBusyLocked(ch)
			return *ch, nil
		}
	}

	return models.Channel{}, ErrPoolEmpty
}

// takeAvailableLocked picks and claims the best available channel.
func (p *Pool) takeAvailableLocked() *models.Channel {
	var candidates []*models.Channel
	for _, ch := range p.entries {
		if ch.Status == models.ChannelAvailable {
			candidates = append(candidates, ch)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.FailCount != b.FailCount {
			return a.FailCount < b.FailCount
		}
		// Never-used channels rank before recently used ones.
		if a.LastUsedAt == nil || b.LastUsedAt == nil {
			return b.LastUsedAt != nil
		}
		return a.LastUsedAt.Before(*b.LastUsedAt)
	})

	ch := candidates[0]
	p.markBusyLocked(ch)
	return ch
}

func (p *Pool) oldestBusyLocked() *models.Channel {
	var oldest *models.Channel
	for _, ch := range p.entries {
		if ch.Status != models.ChannelBusy {
			continue
		}
		if oldest == nil {
			oldest = ch
			continue
		}
		switch {
		case ch.LastUsedAt == nil:
			oldest = ch
		case oldest.LastUsedAt != nil && ch.LastUsedAt.Before(*oldest.LastUsedAt):
			oldest = ch
		}
	}
	return oldest
}

func (p *Pool) markBusyLocked(ch *models.Channel) {
	now := p.nowFunc()
	ch.Status = models.ChannelBusy
	ch.LastUsedAt = &now
	p.persistLocked(ch)
}

// reloadLocked merges channels that appeared in storage since Connect.
// Existing in-memory entries keep their runtime state.
func (p *Pool) reloadLocked(ctx context.Context) {
	stored, err := p.channels.List(ctx)
	if err != nil {
		p.logger.Warn("channel reload failed", "error", err)
		return
	}

	known := make(map[string]bool, len(p.entries))
	for _, ch := range p.entries {
		known[ch.Username] = true
	}
	for i := range stored {
		ch := stored[i]
		if known[ch.Username] {
			continue
		}
		password, err := p.enc.Decrypt(ch.Password)
		if err != nil {
			p.logger.Warn("cannot decrypt channel password, skipping channel",
				"channel", ch.Username, "error", err)
			continue
		}
		ch.Password = password
		ch.Status = models.ChannelAvailable
		ch.FailCount = 0
		p.entries = append(p.entries, &ch)
		p.logger.Info("channel discovered on reload", "channel", ch.Username)
	}
}

// Release returns a channel to the pool. A successful call resets nothing
// beyond the busy flag; a failed call bumps the consecutive failure count,
// and at the quarantine threshold the channel is benched for a cooldown and
// then restored with a clean count. Releasing an unknown or already
// available channel is a no-op.
func (p *Pool) Release(channelID int64, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.findLocked(channelID)
	if ch == nil {
		p.logger.Debug("release for unknown channel ignored", "channel_id", channelID)
		return
	}
	if ch.Status == models.ChannelAvailable {
		return
	}

	now := p.nowFunc()
	ch.LastUsedAt = &now

	if success {
		ch.Status = models.ChannelAvailable
		ch.FailCount = 0
		p.persistLocked(ch)
		return
	}

	ch.FailCount++
	if ch.FailCount >= quarantineThreshold {
		ch.Status = models.ChannelError
		p.persistLocked(ch)
		p.logger.Warn("channel quarantined after consecutive failures",
			"channel", ch.Username,
			"fail_count", ch.FailCount,
			"cooldown", p.cooldown.String(),
		)
		id := ch.ID
		time.AfterFunc(p.cooldown, func() { p.restore(id) })
		return
	}

	ch.Status = models.ChannelAvailable
	p.persistLocked(ch)
}

// restore puts a quarantined channel back into rotation.
func (p *Pool) restore(channelID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.findLocked(channelID)
	if ch == nil || ch.Status != models.ChannelError {
		return
	}
	ch.Status = models.ChannelAvailable
	ch.FailCount = 0
	p.persistLocked(ch)
	p.logger.Info("channel restored after cooldown", "channel", ch.Username)
}

func (p *Pool) findLocked(channelID int64) *models.Channel {
	for _, ch := range p.entries {
		if ch.ID == channelID {
			return ch
		}
	}
	return nil
}

// persistLocked writes a channel's runtime state to storage. Persistence is
// best-effort; the in-memory pool stays authoritative when storage is down.
// Channels with non-positive IDs exist only in memory and are skipped.
func (p *Pool) persistLocked(ch *models.Channel) {
	if ch.ID <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	persisted := *ch
	encrypted, err := p.enc.Encrypt(persisted.Password)
	if err == nil {
		persisted.Password = encrypted
		err = p.channels.UpdateState(ctx, &persisted)
	}
	if err != nil {
		p.logger.Warn("cannot persist channel state",
			"channel", ch.Username, "error", err)
	}
}

// Start runs the periodic health check until ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.HealthPass(ctx)
			}
		}
	}()
}

// HealthPass verifies storage reachability and self-heals a fully stuck
// pool: if no channel is available while the pool is non-empty, every busy
// and error channel is force-reset to available. Storage failures are
// logged and retried next pass, never fatal.
func (p *Pool) HealthPass(ctx context.Context) {
	if _, err := p.channels.Count(ctx); err != nil {
		p.logger.Warn("channel storage unreachable, will retry", "error", err)
		p.mu.Lock()
		p.reloadLocked(ctx)
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return
	}
	for _, ch := range p.entries {
		if ch.Status == models.ChannelAvailable {
			return
		}
	}

	p.logger.Warn("no available channels in non-empty pool, force-resetting all")
	for _, ch := range p.entries {
		ch.Status = models.ChannelAvailable
		ch.FailCount = 0
		p.persistLocked(ch)
	}
}

// Connected reports whether Connect has completed.
func (p *Pool) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Snapshot returns a copy of every channel's current state with passwords
// blanked, for status reporting.
func (p *Pool) Snapshot() []models.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.Channel, 0, len(p.entries))
	for _, ch := range p.entries {
		c := *ch
		c.Password = ""
		out = append(out, c)
	}
	return out
}

// Counts returns the number of channels in each state.
func (p *Pool) Counts() (available, busy, errored int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.entries {
		switch ch.Status {
		case models.ChannelAvailable:
			available++
		case models.ChannelBusy:
			busy++
		case models.ChannelError:
			errored++
		}
	}
	return available, busy, errored
}
