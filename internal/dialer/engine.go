// Package dialer contains the campaign dispatch engine: the coordinator that
// selects pending contacts for active campaigns, places calls through the
// configured originator, and tracks every in-flight call to a terminal state.
// All shared state (the active campaign set and the in-flight call map) is
// owned by the Engine; periodic ticks and originator events funnel through
// its methods.
package dialer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/flowdial/flowdial/internal/channel"
	"github.com/flowdial/flowdial/internal/database"
	"github.com/flowdial/flowdial/internal/database/models"
	"github.com/flowdial/flowdial/internal/originate"
)

var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrNotStartable      = errors.New("campaign is not in a startable state")
	ErrNotActive         = errors.New("campaign is not active")
	ErrNotPaused         = errors.New("campaign is not paused")
	ErrNoCallerIdentity  = errors.New("campaign has no active caller identity")
	ErrNoPendingContacts = errors.New("campaign has no pending contacts")
)

// starvationBound is how many consecutive ticks a campaign may fail to get a
// channel before its head contact is marked failed instead of retried.
const starvationBound = 5

// healthFailureLimit is the number of consecutive failed health passes that
// trigger a full subsystem restart.
const healthFailureLimit = 3

// campaignState is the in-memory mirror of one admitted campaign.
type campaignState struct {
	snapshot    models.Campaign
	activeCalls int
	starvation  int
}

// activeCall is the in-memory record of one in-flight dial attempt. It lives
// from successful origination until the first end signal, whichever source
// that signal has.
type activeCall struct {
	callID     string
	contactID  int64
	campaignID int64
	channelID  int64
	startTime  time.Time
	answered   bool
	timeout    *time.Timer
}

// Config carries the engine's tunables.
type Config struct {
	DispatchInterval  time.Duration
	ReconcileInterval time.Duration
	HealthInterval    time.Duration
	// CallTimeout is the hard upper bound on a call's lifetime. If no end
	// signal arrives within it, the engine synthesizes one.
	CallTimeout time.Duration
	// DialRate is the global origination rate in calls per second.
	DialRate float64
	// TokenFunc signs the per-call event token handed to the originator.
	// May be nil when webhook signals are not in use.
	TokenFunc func(callID string) (string, error)
}

// Pinger reports whether the durable store is reachable. *database.DB
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Engine is the campaign dispatch coordinator.
type Engine struct {
	db         Pinger
	campaigns  database.CampaignRepository
	contacts   database.ContactRepository
	identities database.CallerIdentityRepository
	callLogs   database.CallLogRepository
	dnc        database.DNCRepository
	pool       *channel.Pool
	originator originate.Originator
	limiter    *rate.Limiter
	logger     *slog.Logger
	cfg        Config

	nowFunc   func() time.Time
	startedAt time.Time

	mu     sync.Mutex
	active map[int64]*campaignState
	calls  map[string]*activeCall

	dispatchBusy  atomic.Bool
	reconcileBusy atomic.Bool
	healthBusy    atomic.Bool

	healthFailures int
}

// NewEngine creates the dispatch engine. The originator is attached
// separately with SetOriginator because it needs the engine as its event
// sink.
func NewEngine(
	db Pinger,
	campaigns database.CampaignRepository,
	contacts database.ContactRepository,
	identities database.CallerIdentityRepository,
	callLogs database.CallLogRepository,
	dnc database.DNCRepository,
	pool *channel.Pool,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	dialRate := cfg.DialRate
	if dialRate <= 0 {
		dialRate = 1
	}
	// Burst tracks the rate so a tick immediately after a busy one is not
	// starved waiting for a single token to refill.
	burst := int(dialRate)
	if burst < 1 {
		burst = 1
	}
	return &Engine{
		db:         db,
		campaigns:  campaigns,
		contacts:   contacts,
		identities: identities,
		callLogs:   callLogs,
		dnc:        dnc,
		pool:       pool,
		limiter:    rate.NewLimiter(rate.Limit(dialRate), burst),
		logger:     logger.With("subsystem", "dialer"),
		cfg:        cfg,
		nowFunc:    time.Now,
		startedAt:  time.Now(),
		active:     make(map[int64]*campaignState),
		calls:      make(map[string]*activeCall),
	}
}

// SetOriginator attaches the telephony backend. Must be called before Start.
func (e *Engine) SetOriginator(o originate.Originator) {
	e.originator = o
}

// Start runs the periodic ticks until ctx is canceled. An initial
// reconciliation runs immediately so campaigns left active across a restart
// resume without waiting a full interval.
func (e *Engine) Start(ctx context.Context) {
	e.ReconcileTick(ctx)

	go e.runTicker(ctx, e.cfg.DispatchInterval, e.DispatchTick)
	go e.runTicker(ctx, e.cfg.ReconcileInterval, e.ReconcileTick)
	go e.runTicker(ctx, e.cfg.HealthInterval, e.HealthTick)
}

func (e *Engine) runTicker(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// StartCampaign validates a campaign and admits it to the active set.
func (e *Engine) StartCampaign(ctx context.Context, id int64) error {
	campaign, err := e.campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if campaign == nil {
		return ErrCampaignNotFound
	}
	if campaign.Status != models.CampaignDraft && campaign.Status != models.CampaignPaused {
		return ErrNotStartable
	}

	if campaign.CallerIdentityID == nil {
		return ErrNoCallerIdentity
	}
	identity, err := e.identities.GetByID(ctx, *campaign.CallerIdentityID)
	if err != nil {
		return err
	}
	if identity == nil || !identity.Active {
		return ErrNoCallerIdentity
	}

	pending, err := e.contacts.CountPending(ctx, id)
	if err != nil {
		return err
	}
	if pending == 0 {
		return ErrNoPendingContacts
	}

	if err := e.campaigns.UpdateStatus(ctx, id, models.CampaignActive); err != nil {
		return err
	}
	campaign.Status = models.CampaignActive
	e.admit(*campaign)

	e.logger.Info("campaign started", "campaign_id", id, "name", campaign.Name, "pending", pending)
	return nil
}

// PauseCampaign suspends dialing for a campaign. In-flight calls run to
// completion; only new originations stop.
func (e *Engine) PauseCampaign(ctx context.Context, id int64) error {
	campaign, err := e.campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if campaign == nil {
		return ErrCampaignNotFound
	}
	if campaign.Status != models.CampaignActive {
		return ErrNotActive
	}

	if err := e.campaigns.UpdateStatus(ctx, id, models.CampaignPaused); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()

	e.logger.Info("campaign paused", "campaign_id", id, "name", campaign.Name)
	return nil
}

// ResumeCampaign readmits a paused campaign.
func (e *Engine) ResumeCampaign(ctx context.Context, id int64) error {
	campaign, err := e.campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if campaign == nil {
		return ErrCampaignNotFound
	}
	if campaign.Status != models.CampaignPaused {
		return ErrNotPaused
	}

	if err := e.campaigns.UpdateStatus(ctx, id, models.CampaignActive); err != nil {
		return err
	}
	campaign.Status = models.CampaignActive
	e.admit(*campaign)

	e.logger.Info("campaign resumed", "campaign_id", id, "name", campaign.Name)
	return nil
}

// admit adds a campaign to the in-memory active set, preserving any existing
// runtime counters. A fresh state recounts the campaign's in-flight calls so
// that a pause/resume cycle cannot reset the concurrency counter while calls
// from the previous active period are still running.
func (e *Engine) admit(campaign models.Campaign) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.active[campaign.ID]; ok {
		state.snapshot = campaign
		return
	}
	inFlight := 0
	for _, call := range e.calls {
		if call.campaignID == campaign.ID {
			inFlight++
		}
	}
	e.active[campaign.ID] = &campaignState{snapshot: campaign, activeCalls: inFlight}
}

// DispatchTick runs one pass of the contact-selection-and-dial loop. A tick
// that finds the previous one still running skips entirely.
func (e *Engine) DispatchTick(ctx context.Context) {
	if !e.dispatchBusy.CompareAndSwap(false, true) {
		e.logger.Debug("dispatch tick still running, skipping")
		return
	}
	defer e.dispatchBusy.Store(false)

	for _, id := range e.activeIDs() {
		e.dispatchCampaign(ctx, id)
	}
}

func (e *Engine) activeIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// dispatchCampaign dials up to the campaign's free concurrency slots.
// Failures on one contact never abort the rest.
func (e *Engine) dispatchCampaign(ctx context.Context, campaignID int64) {
	e.mu.Lock()
	state, ok := e.active[campaignID]
	if !ok {
		e.mu.Unlock()
		return
	}
	snapshot := state.snapshot
	slots := snapshot.MaxConcurrentCalls - state.activeCalls
	e.mu.Unlock()

	if snapshot.Status != models.CampaignActive {
		return
	}
	if !withinWorkingHours(e.nowFunc(), snapshot.WorkHoursStart, snapshot.WorkHoursEnd, snapshot.Timezone) {
		return
	}
	if slots <= 0 {
		return
	}

	pending, err := e.contacts.ListPending(ctx, campaignID, slots)
	if err != nil {
		e.logger.Warn("cannot list pending contacts", "campaign_id", campaignID, "error", err)
		return
	}

	if len(pending) == 0 {
		e.maybeComplete(ctx, campaignID)
		return
	}

	for _, contact := range pending {
		if !e.limiter.Allow() {
			// Global dial rate reached; remaining contacts stay
			// pending for the next tick.
			return
		}
		if !e.dialContact(ctx, state, snapshot, contact) {
			// Channel starvation stops this campaign's pass.
			return
		}
	}
}

// dialContact runs the per-contact dispatch sequence. It returns false when
// the channel pool is exhausted, which ends the campaign's pass.
func (e *Engine) dialContact(ctx context.Context, state *campaignState, campaign models.Campaign, contact models.Contact) bool {
	log := e.logger.With("campaign_id", campaign.ID, "contact_id", contact.ID, "phone", contact.Phone)

	listed, err := e.dnc.Contains(ctx, contact.Phone)
	if err != nil {
		log.Warn("dnc check failed, skipping contact this tick", "error", err)
		return true
	}
	if listed {
		if err := e.contacts.SetStatus(ctx, contact.ID, models.ContactDNC); err != nil {
			log.Warn("cannot mark contact dnc", "error", err)
		}
		log.Info("contact on do-not-call list, skipped")
		return true
	}

	// Claim the contact before origination so a crash or concurrent
	// process cannot select it twice.
	claimed, err := e.contacts.MarkCalled(ctx, contact.ID, e.nowFunc())
	if err != nil {
		log.Warn("cannot claim contact", "error", err)
		return true
	}
	if !claimed {
		log.Debug("contact claimed elsewhere, skipping")
		return true
	}

	ch, err := e.pool.Allocate(ctx)
	if err != nil {
		e.handleStarvation(ctx, state, contact, log)
		return false
	}

	e.mu.Lock()
	state.starvation = 0
	e.mu.Unlock()

	identity := e.callerIdentity(ctx, campaign)
	callID := uuid.NewString()

	callLog := &models.CallLog{
		CallID:     callID,
		ContactID:  contact.ID,
		CampaignID: campaign.ID,
		ChannelID:  &ch.ID,
		Phone:      contact.Phone,
		StartTime:  e.nowFunc(),
		Status:     models.CallOriginating,
	}
	if err := e.callLogs.Create(ctx, callLog); err != nil {
		log.Warn("cannot create call log", "error", err)
	}

	req := originate.OriginateRequest{
		CallID:          callID,
		Phone:           contact.Phone,
		ChannelUsername: ch.Username,
		ChannelPassword: ch.Password,
		Domain:          ch.Domain,
		AudioFile:       campaign.AudioFile,
		MaxDuration:     e.cfg.CallTimeout,
	}
	if identity != nil {
		req.CallerIDName = identity.CallerIDName
		req.CallerIDNum = identity.CallerIDNum
	}
	if e.cfg.TokenFunc != nil {
		token, err := e.cfg.TokenFunc(callID)
		if err != nil {
			log.Warn("cannot sign event token", "error", err)
		} else {
			req.EventToken = token
		}
	}

	if err := e.originator.Originate(ctx, req); err != nil {
		// Synchronous dispatch failure: undo everything now.
		log.Warn("origination failed", "call_id", callID, "error", err)
		e.pool.Release(ch.ID, false)
		if _, ferr := e.callLogs.Finish(ctx, callID, e.nowFunc(), 0, models.CallFailed, ""); ferr != nil {
			log.Warn("cannot finish call log", "error", ferr)
		}
		if serr := e.contacts.SetStatus(ctx, contact.ID, models.ContactFailed); serr != nil {
			log.Warn("cannot mark contact failed", "error", serr)
		}
		return true
	}

	call := &activeCall{
		callID:     callID,
		contactID:  contact.ID,
		campaignID: campaign.ID,
		channelID:  ch.ID,
		startTime:  e.nowFunc(),
	}
	call.timeout = time.AfterFunc(e.cfg.CallTimeout, func() { e.timeoutCall(callID) })

	e.mu.Lock()
	e.calls[callID] = call
	state.activeCalls++
	e.mu.Unlock()

	if err := e.campaigns.SetLastDialAt(ctx, campaign.ID, e.nowFunc()); err != nil {
		log.Warn("cannot stamp last dial time", "error", err)
	}

	log.Info("call originated", "call_id", callID, "channel", ch.Username)
	return true
}

// handleStarvation decides what happens to a claimed contact when no
// channel could be allocated: it goes back to pending and is retried next
// tick, unless the campaign has been starved too many ticks in a row, in
// which case the contact is marked failed so the queue keeps moving.
func (e *Engine) handleStarvation(ctx context.Context, state *campaignState, contact models.Contact, log *slog.Logger) {
	e.mu.Lock()
	state.starvation++
	starved := state.starvation
	e.mu.Unlock()

	if starved >= starvationBound {
		log.Warn("channel pool exhausted repeatedly, failing contact", "starved_ticks", starved)
		if err := e.contacts.SetStatus(ctx, contact.ID, models.ContactFailed); err != nil {
			log.Warn("cannot mark contact failed", "error", err)
		}
		e.mu.Lock()
		state.starvation = 0
		e.mu.Unlock()
		return
	}

	log.Warn("no channel available, contact returns to pending", "starved_ticks", starved)
	if err := e.contacts.SetStatus(ctx, contact.ID, models.ContactPending); err != nil {
		log.Warn("cannot revert contact to pending", "error", err)
	}
}

func (e *Engine) callerIdentity(ctx context.Context, campaign models.Campaign) *models.CallerIdentity {
	if campaign.CallerIdentityID == nil {
		return nil
	}
	identity, err := e.identities.GetByID(ctx, *campaign.CallerIdentityID)
	if err != nil {
		e.logger.Warn("cannot load caller identity",
			"campaign_id", campaign.ID, "error", err)
		return nil
	}
	return identity
}

// maybeComplete finishes a campaign whose work is done: zero pending
// contacts and zero in-flight calls.
func (e *Engine) maybeComplete(ctx context.Context, campaignID int64) {
	e.mu.Lock()
	state, ok := e.active[campaignID]
	inFlight := 0
	if ok {
		inFlight = state.activeCalls
	}
	e.mu.Unlock()

	if !ok || inFlight > 0 {
		return
	}

	if err := e.campaigns.UpdateStatus(ctx, campaignID, models.CampaignCompleted); err != nil {
		e.logger.Warn("cannot complete campaign", "campaign_id", campaignID, "error", err)
		return
	}

	e.mu.Lock()
	delete(e.active, campaignID)
	e.mu.Unlock()

	e.logger.Info("campaign completed", "campaign_id", campaignID)
}

// CallStarted implements originate.EventSink. It marks the in-flight call
// answered; the terminal timeout is already armed from origination time, so
// the call's lifetime stays bounded whether or not this signal arrives.
func (e *Engine) CallStarted(callID string) {
	e.mu.Lock()
	call, ok := e.calls[callID]
	if ok {
		call.answered = true
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("start signal for unknown call ignored", "call_id", callID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.callLogs.SetActive(ctx, callID); err != nil {
		e.logger.Warn("cannot mark call log active", "call_id", callID, "error", err)
	}
	e.logger.Info("call in progress", "call_id", callID)
}

// CallEnded implements originate.EventSink.
func (e *Engine) CallEnded(event originate.CallEndEvent) {
	status := models.CallFailed
	switch event.Disposition {
	case originate.DispositionAnswered:
		status = models.CallAnswered
	case originate.DispositionNoAnswer:
		status = models.CallNoAnswer
	case originate.DispositionBusy:
		status = models.CallBusy
	}
	e.endCall(event.CallID, status, event.Duration, event.Keypress)
}

// HandleCallEnd is the webhook entry point for end signals reported by the
// external originator. Duplicate and unknown call IDs are safe no-ops.
func (e *Engine) HandleCallEnd(callID string, duration int, disposition, keypress string) {
	e.CallEnded(originate.CallEndEvent{
		CallID:      callID,
		Disposition: originate.ParseDisposition(disposition),
		Duration:    duration,
		Keypress:    keypress,
	})
}

// HandleCallStart is the webhook entry point for start signals.
func (e *Engine) HandleCallStart(callID string) {
	e.CallStarted(callID)
}

// timeoutCall fires when a call's hard lifetime bound passes with no end
// signal. It forces the terminal transition and tells the originator to tear
// down whatever it still holds.
func (e *Engine) timeoutCall(callID string) {
	e.mu.Lock()
	call, ok := e.calls[callID]
	var answered bool
	var started time.Time
	if ok {
		answered = call.answered
		started = call.startTime
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.logger.Warn("call timed out without end signal", "call_id", callID)
	e.originator.ReleaseResources(callID)

	// A call that was answered and then outlived the bound ran its full
	// window; only a call that never connected counts as a timeout failure.
	if answered {
		e.endCall(callID, models.CallAnswered, int(e.nowFunc().Sub(started).Seconds()), "")
		return
	}
	e.endCall(callID, models.CallTimeout, 0, "")
}

// endCall performs the single, idempotent terminal transition for a call:
// remove it from the in-flight map, settle the call log, update the contact,
// release the channel, and free the campaign's concurrency slot. The map
// removal happens first, so a duplicate end signal finds nothing to do.
func (e *Engine) endCall(callID string, status string, duration int, keypress string) {
	e.mu.Lock()
	call, ok := e.calls[callID]
	if ok {
		delete(e.calls, callID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Info("end signal for unknown or already-ended call ignored", "call_id", callID)
		return
	}
	call.timeout.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := e.logger.With("call_id", callID, "contact_id", call.contactID, "campaign_id", call.campaignID)

	if _, err := e.callLogs.Finish(ctx, callID, e.nowFunc(), duration, status, keypress); err != nil {
		log.Warn("cannot finish call log", "error", err)
	}

	contactStatus := models.ContactCompleted
	switch {
	case keypress == "9":
		contactStatus = models.ContactDNC
	case status == models.CallFailed || status == models.CallTimeout:
		contactStatus = models.ContactFailed
	}
	if err := e.contacts.SetStatus(ctx, call.contactID, contactStatus); err != nil {
		log.Warn("cannot update contact status", "error", err)
	}
	if contactStatus == models.ContactDNC {
		e.recordOptOut(ctx, call.contactID, log)
	}

	channelOK := status != models.CallFailed && status != models.CallTimeout
	e.pool.Release(call.channelID, channelOK)

	e.mu.Lock()
	if state, ok := e.active[call.campaignID]; ok && state.activeCalls > 0 {
		state.activeCalls--
	}
	e.mu.Unlock()

	log.Info("call ended",
		"status", status,
		"duration", duration,
		"keypress", keypress,
		"contact_status", contactStatus,
	)
}

// recordOptOut inserts the contact's number into the do-not-call list after
// a keypress opt-out.
func (e *Engine) recordOptOut(ctx context.Context, contactID int64, log *slog.Logger) {
	contact, err := e.contacts.GetByID(ctx, contactID)
	if err != nil || contact == nil {
		log.Warn("cannot load contact for dnc insert", "error", err)
		return
	}
	if err := e.dnc.Upsert(ctx, contact.Phone, "keypress opt-out"); err != nil {
		log.Warn("cannot insert dnc entry", "error", err)
	}
}

// ReconcileTick diffs the in-memory active set against storage: campaigns
// activated externally are auto-discovered, campaigns deactivated externally
// are dropped.
func (e *Engine) ReconcileTick(ctx context.Context) {
	if !e.reconcileBusy.CompareAndSwap(false, true) {
		return
	}
	defer e.reconcileBusy.Store(false)

	stored, err := e.campaigns.List(ctx)
	if err != nil {
		e.logger.Warn("reconciliation cannot list campaigns", "error", err)
		return
	}
	byID := make(map[int64]models.Campaign, len(stored))
	for _, c := range stored {
		byID[c.ID] = c
	}

	// Add externally activated campaigns that have work to do, and refresh
	// the snapshots of ones already admitted.
	dispatchable, err := e.campaigns.ListDispatchable(ctx)
	if err != nil {
		e.logger.Warn("reconciliation cannot list dispatchable campaigns", "error", err)
		return
	}
	for _, c := range dispatchable {
		e.mu.Lock()
		_, known := e.active[c.ID]
		e.mu.Unlock()

		e.admit(c)
		if !known {
			e.logger.Info("campaign discovered by reconciliation",
				"campaign_id", c.ID, "name", c.Name)
		}
	}

	// Drop campaigns deactivated or deleted externally.
	for _, id := range e.activeIDs() {
		c, exists := byID[id]
		if exists && c.Status == models.CampaignActive {
			continue
		}
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
		e.logger.Info("campaign dropped by reconciliation", "campaign_id", id)
	}
}

// HealthTick verifies storage reachability and that dialing is actually
// happening when it should be. Three consecutive failed passes restart the
// dialing subsystem rather than letting it limp along in an unknown state.
func (e *Engine) HealthTick(ctx context.Context) {
	if !e.healthBusy.CompareAndSwap(false, true) {
		return
	}
	defer e.healthBusy.Store(false)

	if err := e.healthPass(ctx); err != nil {
		e.healthFailures++
		e.logger.Warn("health check failed",
			"consecutive_failures", e.healthFailures, "error", err)
		if e.healthFailures >= healthFailureLimit {
			e.restart(ctx)
		}
		return
	}
	e.healthFailures = 0
}

func (e *Engine) healthPass(ctx context.Context) error {
	if err := e.db.Ping(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	activeCampaigns := len(e.active)
	inFlight := len(e.calls)
	e.mu.Unlock()

	// With admitted campaigns and no calls in flight, there should be some
	// recent trace of dialing. Its absence means the dispatch loop is stuck.
	if activeCampaigns > 0 && inFlight == 0 {
		window := 10 * e.cfg.DispatchInterval
		recent, err := e.callLogs.CountSince(ctx, e.nowFunc().Add(-window))
		if err != nil {
			return err
		}
		if recent == 0 {
			e.logger.Warn("active campaigns but no recent call activity",
				"campaigns", activeCampaigns, "window", window.String())
		}
	}
	return nil
}

// restart tears the dialing subsystem down and rebuilds it: in-flight calls
// are force-ended, the channel pool reconnects, and the active set is
// rebuilt from storage.
func (e *Engine) restart(ctx context.Context) {
	e.logger.Error("restarting dialing subsystem after repeated health failures")

	e.mu.Lock()
	callIDs := make([]string, 0, len(e.calls))
	for id := range e.calls {
		callIDs = append(callIDs, id)
	}
	e.mu.Unlock()

	for _, callID := range callIDs {
		e.originator.ReleaseResources(callID)
		e.endCall(callID, models.CallFailed, 0, "")
	}

	e.mu.Lock()
	e.active = make(map[int64]*campaignState)
	e.calls = make(map[string]*activeCall)
	e.mu.Unlock()

	e.pool.Connect(ctx)
	e.healthFailures = 0
	e.ReconcileTick(ctx)
}

// SystemStatus is the snapshot returned to the administrative API.
type SystemStatus struct {
	ActiveCampaigns   int   `json:"active_campaigns"`
	ActiveCalls       int   `json:"active_calls"`
	ChannelsAvailable int   `json:"channels_available"`
	ChannelsBusy      int   `json:"channels_busy"`
	ChannelsError     int   `json:"channels_error"`
	PoolConnected     bool  `json:"pool_connected"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
}

// Status returns a point-in-time view of the dialing subsystem.
func (e *Engine) Status() SystemStatus {
	e.mu.Lock()
	campaigns := len(e.active)
	calls := len(e.calls)
	e.mu.Unlock()

	available, busy, errored := e.pool.Counts()
	return SystemStatus{
		ActiveCampaigns:   campaigns,
		ActiveCalls:       calls,
		ChannelsAvailable: available,
		ChannelsBusy:      busy,
		ChannelsError:     errored,
		PoolConnected:     e.pool.Connected(),
		UptimeSeconds:     int64(time.Since(e.startedAt).Seconds()),
	}
}

// ActiveCampaignCount returns the number of campaigns being dispatched.
func (e *Engine) ActiveCampaignCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// ActiveCallTotal returns the number of in-flight calls across all campaigns.
func (e *Engine) ActiveCallTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// ActiveCallCount returns the number of in-flight calls for one campaign.
func (e *Engine) ActiveCallCount(campaignID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.active[campaignID]; ok {
		return state.activeCalls
	}
	return 0
}

// KnownCall reports whether a call ID is currently in flight. Used by the
// event webhook to reject tokens for calls this process never placed.
func (e *Engine) KnownCall(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.calls[callID]
	return ok
}
