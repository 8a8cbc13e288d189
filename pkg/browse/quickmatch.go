package browse

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/reliquary/matchbrowse/pkg/protocol"
)

// QuickmatchState tracks where a quickmatch attempt is
type QuickmatchState int

const (
	QuickmatchIdle QuickmatchState = iota
	QuickmatchCancellingPriorSearch
	QuickmatchSearchingHubs
	QuickmatchProbingHubs
	QuickmatchSelectingTarget
	QuickmatchNegotiating
	QuickmatchConnected
	QuickmatchFailed
	QuickmatchCancelling
)

func (s QuickmatchState) String() string {
	switch s {
	case QuickmatchIdle:
		return "idle"
	case QuickmatchCancellingPriorSearch:
		return "cancelling_prior_search"
	case QuickmatchSearchingHubs:
		return "searching_hubs"
	case QuickmatchProbingHubs:
		return "probing_hubs"
	case QuickmatchSelectingTarget:
		return "selecting_target"
	case QuickmatchNegotiating:
		return "negotiating"
	case QuickmatchConnected:
		return "connected"
	case QuickmatchFailed:
		return "failed"
	case QuickmatchCancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrQuickmatchInProgress is returned by Start while an attempt is running
var ErrQuickmatchInProgress = errors.New("quickmatch already in progress")

// PlayerProfile is the external input describing the local player
type PlayerProfile struct {
	SkillRank  int32
	BaseRank   int
	IsBeginner bool
	FriendIDs  []string
}

// QuickmatchConfig tunes one quickmatch attempt
type QuickmatchConfig struct {
	Version      string // network/game version the search is constrained to
	RuleTag      string // rule set requested from hubs on quickplay
	MaxResults   int    // backend search cap
	ProbeWindow  int    // concurrent hub probes
	PingWindowMS int    // instances within this much of the best hub's ping compete

	Probe      ProbeConfig
	Negotiator NegotiatorConfig
	Opener     ProbeOpener // test hook; nil = real beacon probes

	Logger  *zap.Logger
	Metrics *Metrics
}

func (cfg *QuickmatchConfig) fill() {
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 100
	}
	if cfg.ProbeWindow == 0 {
		cfg.ProbeWindow = 10
	}
	if cfg.PingWindowMS == 0 {
		cfg.PingWindowMS = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// QuickmatchCallbacks surface the attempt's outcome and progress. OnDone
// fires exactly once per attempt with a connect instruction or a failure;
// it never fires after Cancel.
type QuickmatchCallbacks struct {
	OnStateChange func(QuickmatchState)
	OnProgress    func(string) // e.g. "EU Hub 3 is starting a match for you"
	OnDone        func(Disposition)
}

type rankedHub struct {
	cand           *Candidate
	friendsPresent bool
}

type joinableInstance struct {
	hub  *Candidate
	inst protocol.InstanceRecord
}

// QuickmatchSession runs one best-match selection and join negotiation:
// cancel any prior backend search, search for hubs, probe them, rank them,
// then negotiate targets best-first until one admits us or the pools run
// dry. The candidate pools live only for the duration of the attempt.
type QuickmatchSession struct {
	cfg        QuickmatchConfig
	searcher   SessionSearcher
	profile    PlayerProfile
	cb         QuickmatchCallbacks
	negotiator *JoinNegotiator
	friends    map[string]bool

	mu              sync.Mutex
	state           QuickmatchState
	store           *CandidateStore
	sched           *ProbeScheduler
	rankedHubs      []rankedHub
	joinable        []joinableInstance
	cancelRequested bool
}

// NewQuickmatch creates an idle session
func NewQuickmatch(searcher SessionSearcher, profile PlayerProfile, cfg QuickmatchConfig, cb QuickmatchCallbacks) *QuickmatchSession {
	cfg.fill()
	friends := make(map[string]bool, len(profile.FriendIDs))
	for _, id := range profile.FriendIDs {
		friends[id] = true
	}
	return &QuickmatchSession{
		cfg:        cfg,
		searcher:   searcher,
		profile:    profile,
		cb:         cb,
		negotiator: NewJoinNegotiator(cfg.Negotiator),
		friends:    friends,
		state:      QuickmatchIdle,
	}
}

// State returns the current state
func (q *QuickmatchSession) State() QuickmatchState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Start begins a quickmatch attempt. The backend disallows overlapping
// searches, so any search it may still have in flight is cancelled first.
func (q *QuickmatchSession) Start() error {
	q.mu.Lock()
	switch q.state {
	case QuickmatchIdle, QuickmatchConnected, QuickmatchFailed:
	default:
		q.mu.Unlock()
		return ErrQuickmatchInProgress
	}
	q.store = NewCandidateStore()
	q.sched = nil
	q.rankedHubs = nil
	q.joinable = nil
	q.cancelRequested = false
	q.state = QuickmatchCancellingPriorSearch
	q.mu.Unlock()

	q.notifyState(QuickmatchCancellingPriorSearch)
	q.searcher.CancelFindSessions(q.onPriorSearchCancelled)
	return nil
}

func (q *QuickmatchSession) onPriorSearchCancelled() {
	q.mu.Lock()
	if q.cancelRequested {
		q.finalizeCancelLocked()
		return
	}
	q.state = QuickmatchSearchingHubs
	q.mu.Unlock()
	q.notifyState(QuickmatchSearchingHubs)

	filter := SessionFilter{
		Version:             q.cfg.Version,
		ExcludeHubInstances: true,
		GameModePath:        HubGameModePath,
		MaxResults:          q.cfg.MaxResults,
	}
	if err := q.searcher.FindSessions(filter, q.onSearchComplete); err != nil {
		q.cfg.Logger.Warn("hub search could not be issued", zap.Error(err))
		q.fail(ReasonNoAvailableMatches)
	}
}

func (q *QuickmatchSession) onSearchComplete(handles []SessionHandle, err error) {
	q.mu.Lock()
	if q.cancelRequested {
		q.finalizeCancelLocked()
		return
	}
	if err != nil {
		// A failed search is indistinguishable from an empty one
		q.cfg.Logger.Warn("hub search failed", zap.Error(err))
		handles = nil
	}

	kept := handles[:0:0]
	for _, h := range handles {
		if h.Flags&FlagPasswordRequired != 0 {
			continue
		}
		kept = append(kept, h)
	}
	if len(kept) == 0 {
		q.mu.Unlock()
		q.fail(ReasonNoAvailableMatches)
		return
	}

	cands := q.store.ReconcileHubs(kept)
	q.sched = NewProbeScheduler(q.store, SchedulerOptions{
		Window:    q.cfg.ProbeWindow,
		Opener:    q.probeOpener(),
		Logger:    q.cfg.Logger,
		Metrics:   q.cfg.Metrics,
		OnResult:  q.onProbeResult,
		OnSettled: q.onProbesSettled,
	})
	sched := q.sched
	q.state = QuickmatchProbingHubs
	q.mu.Unlock()

	q.notifyState(QuickmatchProbingHubs)
	sched.Begin(cands)
}

func (q *QuickmatchSession) probeOpener() ProbeOpener {
	if q.cfg.Opener != nil {
		return q.cfg.Opener
	}
	cfg := q.cfg.Probe
	cfg.Logger = q.cfg.Logger
	return func(c *Candidate, onDone func(*ProbeResult)) ProbeHandle {
		return OpenProbe(c, cfg, onDone)
	}
}

func (q *QuickmatchSession) onProbeResult(c *Candidate, res *ProbeResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelRequested || q.state != QuickmatchProbingHubs {
		return
	}
	if res.Err != nil {
		// An unreachable hub is simply never ranked
		return
	}
	if !q.profile.IsBeginner && c.Handle.TrainingGround {
		return
	}

	friends := false
	for _, p := range res.Players {
		if q.friends[p.PlayerID] {
			friends = true
			break
		}
	}
	q.insertRankedLocked(rankedHub{cand: c, friendsPresent: friends})
}

// insertRankedLocked keeps rankedHubs ordered best-first via insertion
// sort. Insertion happens after any equally ranked hub, so arrival order
// breaks ties.
func (q *QuickmatchSession) insertRankedLocked(rh rankedHub) {
	idx := len(q.rankedHubs)
	for i := range q.rankedHubs {
		if q.hubBetter(rh.cand, q.rankedHubs[i].cand) {
			idx = i
			break
		}
	}
	q.rankedHubs = append(q.rankedHubs, rankedHub{})
	copy(q.rankedHubs[idx+1:], q.rankedHubs[idx:])
	q.rankedHubs[idx] = rh
}

// hubBetter is the rule-ordered hub comparator: beginner steering toward
// training grounds first, then trust level (lower index wins), then ping.
func (q *QuickmatchSession) hubBetter(a, b *Candidate) bool {
	if q.profile.IsBeginner && a.Handle.TrainingGround != b.Handle.TrainingGround {
		return a.Handle.TrainingGround
	}
	if a.Handle.Trust != b.Handle.Trust {
		return a.Handle.Trust < b.Handle.Trust
	}
	return a.Ping < b.Ping
}

func (q *QuickmatchSession) onProbesSettled() {
	q.mu.Lock()
	if q.cancelRequested {
		q.finalizeCancelLocked()
		return
	}
	if q.state != QuickmatchProbingHubs {
		q.mu.Unlock()
		return
	}

	// Flatten every live, joinable-as-player instance across the ranked
	// hubs into one pool. Instances still in the pre-game menu are not
	// candidates. The pool persists across negotiation retries.
	for _, rh := range q.rankedHubs {
		for _, inst := range rh.cand.Instances {
			if !inst.JoinableAsPlayer || inst.State == protocol.MatchStateNone {
				continue
			}
			q.joinable = append(q.joinable, joinableInstance{hub: rh.cand, inst: inst})
		}
	}
	q.mu.Unlock()
	q.selectTarget()
}

// selectableLocked reports whether the session is still in a state where
// picking the next target makes sense. A cancel that finalized between
// unlocks leaves the session Idle and must not be restarted from here.
func (q *QuickmatchSession) selectableLocked() bool {
	switch q.state {
	case QuickmatchProbingHubs, QuickmatchSelectingTarget, QuickmatchNegotiating:
		return true
	}
	return false
}

func (q *QuickmatchSession) selectTarget() {
	q.mu.Lock()
	if q.cancelRequested {
		q.finalizeCancelLocked()
		return
	}
	if !q.selectableLocked() {
		q.mu.Unlock()
		return
	}
	q.state = QuickmatchSelectingTarget
	q.mu.Unlock()
	q.notifyState(QuickmatchSelectingTarget)

	q.mu.Lock()
	if q.cancelRequested {
		q.finalizeCancelLocked()
		return
	}
	if !q.selectableLocked() {
		q.mu.Unlock()
		return
	}
	if len(q.rankedHubs) == 0 {
		q.mu.Unlock()
		q.fail(ReasonNoAvailableMatches)
		return
	}

	// Instances compete only while within the ping window of the best
	// remaining hub; a not-yet-begun match beats a begun one, then lower
	// ping wins.
	window := q.rankedHubs[0].cand.Ping + q.cfg.PingWindowMS
	bestIdx := -1
	for i, ji := range q.joinable {
		if ji.hub.Ping < 0 || ji.hub.Ping > window {
			continue
		}
		if bestIdx < 0 || instanceBetter(ji, q.joinable[bestIdx]) {
			bestIdx = i
		}
	}

	if bestIdx >= 0 {
		target := q.joinable[bestIdx]
		q.joinable = append(q.joinable[:bestIdx], q.joinable[bestIdx+1:]...)
		q.state = QuickmatchNegotiating
		q.mu.Unlock()
		q.notifyState(QuickmatchNegotiating)

		q.cfg.Logger.Debug("negotiating instance join",
			zap.String("hub", target.hub.Handle.Name),
			zap.String("instance", target.inst.ID.String()))
		if err := q.negotiator.JoinInstance(target.hub, target.inst.ID, false, q.profile.SkillRank, q.onNegotiationDone); err != nil {
			q.cfg.Logger.Warn("instance join could not be issued", zap.Error(err))
			q.selectTarget()
		}
		return
	}

	// No instance in reach: join the best hub directly and let it
	// create or assign an instance.
	hub := q.rankedHubs[0]
	q.rankedHubs = q.rankedHubs[1:]
	q.state = QuickmatchNegotiating
	q.mu.Unlock()
	q.notifyState(QuickmatchNegotiating)

	q.cfg.Logger.Debug("negotiating quickplay",
		zap.String("hub", hub.cand.Handle.Name))
	if err := q.negotiator.Quickplay(hub.cand, q.cfg.RuleTag, q.profile.SkillRank, q.profile.IsBeginner, q.onQuickplayProgress, q.onNegotiationDone); err != nil {
		q.cfg.Logger.Warn("quickplay could not be issued", zap.Error(err))
		q.selectTarget()
	}
}

// instanceBetter orders the joinable pool: a match that has not begun
// beats one that has, then the lower effective (parent hub) ping wins.
func instanceBetter(a, b joinableInstance) bool {
	if a.inst.MatchHasBegun != b.inst.MatchHasBegun {
		return !a.inst.MatchHasBegun
	}
	return a.hub.Ping < b.hub.Ping
}

func (q *QuickmatchSession) onQuickplayProgress(p QuickplayProgress) {
	q.mu.Lock()
	cancelled := q.cancelRequested
	q.mu.Unlock()
	if cancelled || q.cb.OnProgress == nil {
		return
	}
	q.cb.OnProgress(fmt.Sprintf("%s is starting a match for you", p.HubName))
}

func (q *QuickmatchSession) onNegotiationDone(d Disposition) {
	q.mu.Lock()
	if q.cancelRequested {
		q.finalizeCancelLocked()
		return
	}
	if q.state != QuickmatchNegotiating {
		q.mu.Unlock()
		return
	}

	if d.Terminal() {
		q.state = QuickmatchConnected
		q.mu.Unlock()
		q.notifyState(QuickmatchConnected)
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.NegotiationFinished("connected")
		}
		if q.cb.OnDone != nil {
			q.cb.OnDone(d)
		}
		return
	}
	q.mu.Unlock()

	// A rejection or timeout fails only the current target; nothing is
	// surfaced unless the whole attempt exhausts its options.
	q.cfg.Logger.Debug("target failed, trying next best",
		zap.String("reason", d.Reason.String()))
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.NegotiationFinished(d.Reason.String())
	}
	q.selectTarget()
}

func (q *QuickmatchSession) fail(reason ReasonCode) {
	q.mu.Lock()
	if q.cancelRequested {
		q.finalizeCancelLocked()
		return
	}
	q.state = QuickmatchFailed
	q.mu.Unlock()

	q.notifyState(QuickmatchFailed)
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.NegotiationFinished("exhausted")
	}
	if q.cb.OnDone != nil {
		q.cb.OnDone(Disposition{Kind: DispFailed, Reason: reason})
	}
}

// Cancel aborts the attempt from any non-terminal state: every open beacon
// connection is torn down and the pools are cleared. No disposition is
// delivered after Cancel. A cancel that arrives while the backend search
// (or its cancellation) is in flight finalizes once the backend calls
// back.
func (q *QuickmatchSession) Cancel() {
	q.mu.Lock()
	switch q.state {
	case QuickmatchIdle, QuickmatchConnected, QuickmatchFailed, QuickmatchCancelling:
		q.mu.Unlock()
		return
	}
	prev := q.state
	q.cancelRequested = true
	q.state = QuickmatchCancelling
	sched := q.sched
	q.mu.Unlock()

	q.notifyState(QuickmatchCancelling)
	if sched != nil {
		sched.Cancel()
	}
	q.negotiator.Cancel()

	// Mid-backend states finalize from the backend's own callback
	if prev != QuickmatchCancellingPriorSearch && prev != QuickmatchSearchingHubs {
		q.mu.Lock()
		q.finalizeCancelLocked()
	}
}

// finalizeCancelLocked is called with q.mu held and releases it
func (q *QuickmatchSession) finalizeCancelLocked() {
	q.cancelRequested = false
	q.state = QuickmatchIdle
	q.rankedHubs = nil
	q.joinable = nil
	q.sched = nil
	q.mu.Unlock()
	q.notifyState(QuickmatchIdle)
}

func (q *QuickmatchSession) notifyState(st QuickmatchState) {
	if q.cb.OnStateChange != nil {
		q.cb.OnStateChange(st)
	}
}

// RankedHubInfo is a UI-facing snapshot row of the ranked hub list
type RankedHubInfo struct {
	Name           string
	Ping           int
	FriendsPresent bool
}

// RankedHubs returns a snapshot of the currently ranked hubs, best first
func (q *QuickmatchSession) RankedHubs() []RankedHubInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RankedHubInfo, len(q.rankedHubs))
	for i, rh := range q.rankedHubs {
		out[i] = RankedHubInfo{
			Name:           rh.cand.Handle.Name,
			Ping:           rh.cand.Ping,
			FriendsPresent: rh.friendsPresent,
		}
	}
	return out
}
