package domain

// EventRecord is an effect-log entry produced by a transition.
type EventRecord struct {
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// OutboundMessage is a message to enqueue to another domain. The router
// assigns its sequence when the effect is applied.
type OutboundMessage struct {
	Destination uint32      `json:"destination"`
	Kind        MessageKind `json:"kind"`
	Payload     any         `json:"payload"`
}

// Effect is one ordered consequence of a state transition. Exactly one field
// is set.
type Effect struct {
	Event    *EventRecord     `json:"event,omitempty"`
	Message  *OutboundMessage `json:"message,omitempty"`
	Transfer *Transfer        `json:"transfer,omitempty"`
}

func EventEffect(typ, entityKind, entityID, actorID string, payload map[string]any) Effect {
	return Effect{Event: &EventRecord{Type: typ, EntityKind: entityKind, EntityID: entityID, ActorID: actorID, Payload: payload}}
}

func MessageEffect(dest uint32, kind MessageKind, payload any) Effect {
	return Effect{Message: &OutboundMessage{Destination: dest, Kind: kind, Payload: payload}}
}

func TransferEffect(t Transfer) Effect {
	return Effect{Transfer: &t}
}

// EventTypes returns the event types of effects in order, skipping other effects.
func EventTypes(effects []Effect) []string {
	var out []string
	for _, e := range effects {
		if e.Event != nil {
			out = append(out, e.Event.Type)
		}
	}
	return out
}
