package domain

// Phase is the state-machine position of a conversation: INIT for
// placeholders, the sub-state for CREATED pairwise conversations and OPEN for
// CREATED groups.
type Phase string

const (
	PhaseInit     Phase = "INIT"
	PhaseOpen     Phase = "OPEN"
	PhaseActive   Phase = Phase(StateActive)
	PhaseInvite   Phase = Phase(StateInvite)
	PhaseWaiting  Phase = Phase(StateWaiting)
	PhaseDeclined Phase = Phase(StateDeclined)
)

// PhaseOf folds a stored status/state pair into a phase.
func PhaseOf(status Status, state State) Phase {
	if status == StatusInit {
		return PhaseInit
	}
	if state == StateNone {
		return PhaseOpen
	}
	return Phase(state)
}

// Split returns the stored status/state pair of a phase.
func (p Phase) Split() (Status, State) {
	switch p {
	case PhaseInit:
		return StatusInit, StateNone
	case PhaseOpen:
		return StatusCreated, StateNone
	default:
		return StatusCreated, State(p)
	}
}

// Action is a business action that may move a conversation.
type Action string

const (
	ActionMessage  Action = "message"
	ActionInvite   Action = "invite"
	ActionHire     Action = "hire"
	ActionAccept   Action = "accept"
	ActionDecline  Action = "decline"
	ActionExpire   Action = "expire"
	ActionWait     Action = "wait"
	ActionActivate Action = "activate"
)

// Effect is a side effect attached to an edge. Cache refresh follows every
// edge and is not listed.
type Effect string

const (
	EffectCancelInitExpiry     Effect = "cancel_init_expiry"
	EffectScheduleInviteExpiry Effect = "schedule_invite_expiry"
	EffectCancelInviteExpiry   Effect = "cancel_invite_expiry"
	EffectBriefAccepted        Effect = "brief_proposal_accepted"
	EffectBriefDeclined        Effect = "brief_declined"
)

// Edge is the outcome of a permitted (phase, action) pair.
type Edge struct {
	From    Phase
	Action  Action
	To      Phase
	Effects []Effect
}

// Has reports whether the edge carries effect e.
func (e Edge) Has(eff Effect) bool {
	for _, x := range e.Effects {
		if x == eff {
			return true
		}
	}
	return false
}

// BriefStatus returns the brief sub-state the edge writes, if any, and the
// brief states it may overwrite. Only a re-hire revives a declined brief.
func (e Edge) BriefStatus() (string, []string) {
	switch {
	case e.Has(EffectBriefAccepted) && e.From == PhaseDeclined:
		return BriefProposalAccepted, []string{BriefSent, BriefDeclined}
	case e.Has(EffectBriefAccepted):
		return BriefProposalAccepted, []string{BriefSent}
	case e.Has(EffectBriefDeclined):
		return BriefDeclined, []string{BriefSent}
	}
	return "", nil
}

type edgeKey struct {
	from   Phase
	action Action
}

type table map[edgeKey]Edge

func (t table) add(from Phase, action Action, to Phase, effects ...Effect) table {
	t[edgeKey{from, action}] = Edge{From: from, Action: action, To: to, Effects: effects}
	return t
}

func initEdges(t table, actions ...Action) table {
	for _, a := range actions {
		switch a {
		case ActionInvite:
			t.add(PhaseInit, a, PhaseInvite, EffectCancelInitExpiry, EffectScheduleInviteExpiry)
		case ActionWait:
			t.add(PhaseInit, a, PhaseWaiting, EffectCancelInitExpiry)
		default:
			t.add(PhaseInit, a, PhaseActive, EffectCancelInitExpiry)
		}
	}
	return t
}

func inviteEdges(t table) table {
	return t.
		add(PhaseActive, ActionInvite, PhaseInvite, EffectScheduleInviteExpiry).
		add(PhaseWaiting, ActionInvite, PhaseInvite, EffectScheduleInviteExpiry).
		add(PhaseDeclined, ActionInvite, PhaseInvite, EffectScheduleInviteExpiry).
		add(PhaseInvite, ActionInvite, PhaseInvite, EffectCancelInviteExpiry, EffectScheduleInviteExpiry).
		add(PhaseInvite, ActionAccept, PhaseActive, EffectCancelInviteExpiry, EffectBriefAccepted).
		add(PhaseInvite, ActionDecline, PhaseDeclined, EffectCancelInviteExpiry, EffectBriefDeclined).
		add(PhaseInvite, ActionExpire, PhaseDeclined, EffectBriefDeclined).
		add(PhaseDeclined, ActionHire, PhaseActive, EffectBriefAccepted)
}

func waitingEdges(t table) table {
	return t.add(PhaseWaiting, ActionActivate, PhaseActive)
}

func fullTable() table {
	t := initEdges(table{}, ActionMessage, ActionHire, ActionInvite, ActionWait)
	return waitingEdges(inviteEdges(t))
}

var machines = map[Kind]table{
	KindClientCreator:   fullTable(),
	KindPMCreator:       fullTable(),
	KindCreatorCreator:  fullTable(),
	KindClientPM:        waitingEdges(initEdges(table{}, ActionMessage, ActionHire, ActionWait)),
	KindExternalCreator: waitingEdges(initEdges(table{}, ActionMessage, ActionWait)),
	KindGroup: table{}.
		add(PhaseInit, ActionMessage, PhaseOpen, EffectCancelInitExpiry).
		add(PhaseInit, ActionHire, PhaseOpen, EffectCancelInitExpiry),
}

// Next returns the edge for action from phase, or a *TransitionError.
func Next(kind Kind, from Phase, action Action) (Edge, error) {
	if e, ok := machines[kind][edgeKey{from, action}]; ok {
		return e, nil
	}
	return Edge{}, &TransitionError{Kind: kind, From: from, Action: action}
}

// Edges lists every permitted edge of kind; used by tests and docs.
func Edges(kind Kind) []Edge {
	out := make([]Edge, 0, len(machines[kind]))
	for _, e := range machines[kind] {
		out = append(out, e)
	}
	return out
}
