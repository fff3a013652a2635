package doip

// This file implements the diagnostic conversation state machine as a pure
// function over a transition table. The Conversation feeds it events from
// two sides: the sending goroutine (request sent, timer expired, response
// delivered) and the receive path (pending or final response indicated).
// Both go through the same mutex, so the table is the single authority on
// which state follows which.
//
//	          RequestSent              FinalReceived           ResponseHandled
//	  Idle -----------------> WaitForResponse ---------> RecvdFinalResponse ------> Success
//	   ^                          |     |                        ^                   |
//	   |        TimerExpired      |     | PendingReceived        | FinalReceived     |
//	   +--------------------------+     v                        |                   |
//	   |                        RecvdPendingResponse ------------+                   |
//	   |                              |      ^                                       |
//	   |                  P2StarArmed |      | PendingReceived                       |
//	   |  TimerExpired                v      |                                       |
//	   +------------------------ StartP2StarTimer                                    |
//	   |                                                                             |
//	   +-------------------------------- ResponseDelivered --------------------------+

// ConversationState is the state of a diagnostic conversation.
type ConversationState uint8

const (
	// StateIdle means no request is in flight; the conversation is reusable.
	StateIdle ConversationState = iota

	// StateWaitForResponse means a request was acknowledged and the P2
	// timer is running.
	StateWaitForResponse

	// StateRecvdPendingResponse means a 0x7F xx 0x78 response arrived and
	// the sender has not yet re-armed the P2* timer.
	StateRecvdPendingResponse

	// StateRecvdFinalResponse means a positive or negative final response
	// was buffered and awaits hand-over.
	StateRecvdFinalResponse

	// StateStartP2StarTimer means the P2* timer is running after a pending
	// response.
	StateStartP2StarTimer

	// StateSuccess means the final response was handed over and is ready
	// to be returned to the caller.
	StateSuccess
)

// String returns the human-readable name of the state.
func (s ConversationState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateWaitForResponse:
		return "WaitForResponse"
	case StateRecvdPendingResponse:
		return "RecvdPendingResponse"
	case StateRecvdFinalResponse:
		return "RecvdFinalResponse"
	case StateStartP2StarTimer:
		return "StartP2StarTimer"
	case StateSuccess:
		return "Success"
	default:
		return unknownStr
	}
}

// Event is an input to the conversation state machine.
type Event uint8

const (
	// EventRequestSent fires after the request was transmitted and
	// positively acknowledged.
	EventRequestSent Event = iota

	// EventPendingReceived fires when IndicateMessage sees NRC 0x78.
	EventPendingReceived

	// EventFinalReceived fires when IndicateMessage buffers a final response.
	EventFinalReceived

	// EventP2StarArmed fires when the sender re-arms the P2* timer.
	EventP2StarArmed

	// EventResponseHandled fires when the transport hands the buffered
	// final response over (HandleMessage).
	EventResponseHandled

	// EventTimerExpired fires when P2 or P2* elapses without a message.
	EventTimerExpired

	// EventResponseDelivered fires after the sender copied the response
	// into its result.
	EventResponseDelivered

	// EventAbort returns the conversation to Idle from any busy state
	// (context cancellation, pending limit exceeded, shutdown).
	EventAbort
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventRequestSent:
		return "RequestSent"
	case EventPendingReceived:
		return "PendingReceived"
	case EventFinalReceived:
		return "FinalReceived"
	case EventP2StarArmed:
		return "P2StarArmed"
	case EventResponseHandled:
		return "ResponseHandled"
	case EventTimerExpired:
		return "TimerExpired"
	case EventResponseDelivered:
		return "ResponseDelivered"
	case EventAbort:
		return "Abort"
	default:
		return unknownStr
	}
}

// Action is a side-effect the Conversation executes after a transition.
type Action uint8

const (
	// ActionArmP2Timer starts waiting for up to P2ServerMax.
	ActionArmP2Timer Action = iota + 1

	// ActionArmP2StarTimer starts waiting for up to P2StarServerMax.
	ActionArmP2StarTimer

	// ActionCancelWait wakes the sender blocked in a P2/P2* wait.
	ActionCancelWait

	// ActionReportTimeout resolves the request as a response timeout.
	ActionReportTimeout

	// ActionDeliverResponse resolves the request with the buffered response.
	ActionDeliverResponse
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionArmP2Timer:
		return "ArmP2Timer"
	case ActionArmP2StarTimer:
		return "ArmP2StarTimer"
	case ActionCancelWait:
		return "CancelWait"
	case ActionReportTimeout:
		return "ReportTimeout"
	case ActionDeliverResponse:
		return "DeliverResponse"
	default:
		return unknownStr
	}
}

// stateEvent is the transition table key.
type stateEvent struct {
	state ConversationState
	event Event
}

// transition is the target state and side-effects of one table entry.
type transition struct {
	newState ConversationState
	actions  []Action
}

// FSMResult holds the outcome of applying an event.
type FSMResult struct {
	// OldState is the state before the event was applied.
	OldState ConversationState

	// NewState is the state after the event was applied.
	NewState ConversationState

	// Actions lists the side-effects the caller must execute.
	Actions []Action

	// Changed is true when NewState differs from OldState.
	Changed bool

	// Accepted is true when the (state, event) pair has a table entry,
	// including self-loops.
	Accepted bool
}

// HasAction reports whether the result carries action a.
func (r FSMResult) HasAction(a Action) bool {
	for _, x := range r.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// fsmTable lists every valid transition. Unlisted pairs are ignored: a late
// response after a timeout, for example, arrives in Idle and is dropped.
//
//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	// Idle
	{StateIdle, EventRequestSent}: {
		newState: StateWaitForResponse,
		actions:  []Action{ActionArmP2Timer},
	},

	// WaitForResponse
	{StateWaitForResponse, EventPendingReceived}: {
		newState: StateRecvdPendingResponse,
		actions:  []Action{ActionCancelWait},
	},
	{StateWaitForResponse, EventFinalReceived}: {
		newState: StateRecvdFinalResponse,
		actions:  []Action{ActionCancelWait},
	},
	{StateWaitForResponse, EventTimerExpired}: {
		newState: StateIdle,
		actions:  []Action{ActionReportTimeout},
	},
	{StateWaitForResponse, EventAbort}: {
		newState: StateIdle,
	},

	// RecvdPendingResponse
	{StateRecvdPendingResponse, EventP2StarArmed}: {
		newState: StateStartP2StarTimer,
		actions:  []Action{ActionArmP2StarTimer},
	},
	{StateRecvdPendingResponse, EventPendingReceived}: {
		newState: StateRecvdPendingResponse,
		actions:  []Action{ActionCancelWait},
	},
	{StateRecvdPendingResponse, EventFinalReceived}: {
		newState: StateRecvdFinalResponse,
		actions:  []Action{ActionCancelWait},
	},
	{StateRecvdPendingResponse, EventAbort}: {
		newState: StateIdle,
	},

	// StartP2StarTimer
	{StateStartP2StarTimer, EventPendingReceived}: {
		newState: StateRecvdPendingResponse,
		actions:  []Action{ActionCancelWait},
	},
	{StateStartP2StarTimer, EventFinalReceived}: {
		newState: StateRecvdFinalResponse,
		actions:  []Action{ActionCancelWait},
	},
	{StateStartP2StarTimer, EventTimerExpired}: {
		newState: StateIdle,
		actions:  []Action{ActionReportTimeout},
	},
	{StateStartP2StarTimer, EventAbort}: {
		newState: StateIdle,
	},

	// RecvdFinalResponse
	{StateRecvdFinalResponse, EventResponseHandled}: {
		newState: StateSuccess,
		actions:  []Action{ActionCancelWait},
	},
	{StateRecvdFinalResponse, EventTimerExpired}: {
		newState: StateIdle,
		actions:  []Action{ActionReportTimeout},
	},
	{StateRecvdFinalResponse, EventAbort}: {
		newState: StateIdle,
	},

	// Success
	{StateSuccess, EventResponseDelivered}: {
		newState: StateIdle,
		actions:  []Action{ActionDeliverResponse},
	},
	{StateSuccess, EventAbort}: {
		newState: StateIdle,
	},
}

// ApplyEvent applies event to currentState and returns the result. Pure
// function: the caller executes the returned actions.
func ApplyEvent(currentState ConversationState, event Event) FSMResult {
	tr, ok := fsmTable[stateEvent{state: currentState, event: event}]
	if !ok {
		return FSMResult{
			OldState: currentState,
			NewState: currentState,
		}
	}

	return FSMResult{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
		Accepted: true,
	}
}
