package validation

import (
	"strings"

	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

var operations = []string{
	string(tethersync.OperationCreate),
	string(tethersync.OperationUpdate),
	string(tethersync.OperationDelete),
}

// ValidateMutation checks a mutation before it enters the outbox.
func ValidateMutation(m types.Mutation) []ValidationError {
	c := &Collector{}
	c.Add(ValidateIdentifier("aggregate_type", m.AggregateType))
	validateAggregateID(c, m.AggregateID)
	c.Add(ValidateEnum("operation", string(m.Operation), operations))
	validatePayload(c, m.Operation, m.Payload)
	return c.Errors()
}

// ValidatePushRequest checks an event delivered to the server.
func ValidatePushRequest(req tethersync.PushRequest) []ValidationError {
	c := &Collector{}
	c.Add(ValidateUUID("event_id", req.EventID))
	c.Add(ValidateRequired("source_id", req.SourceID))
	c.Add(ValidateIdentifier("aggregate_type", req.AggregateType))
	validateAggregateID(c, req.AggregateID)
	c.Add(ValidateEnum("operation", string(req.Operation), operations))
	validatePayload(c, req.Operation, req.Payload)
	if req.SequenceNo < 1 {
		c.Add(&ValidationError{Field: "sequence_no", Message: "must be positive"})
	}
	return c.Errors()
}

func validateAggregateID(c *Collector, id string) {
	if err := ValidateRequired("aggregate_id", id); err != nil {
		c.Add(err)
		return
	}
	c.Add(ValidateMaxLength("aggregate_id", id, MaxAggregateIDLength))
	c.Add(ValidateNoNullBytes("aggregate_id", id))
	c.Add(ValidateUTF8("aggregate_id", id))
	if strings.Contains(id, "/") {
		c.Add(&ValidationError{Field: "aggregate_id", Message: "must not contain '/'"})
	}
}

// validatePayload requires a JSON object for creates and updates. Deletes
// may carry one or nothing.
func validatePayload(c *Collector, op tethersync.Operation, payload []byte) {
	if op == tethersync.OperationDelete && len(payload) == 0 {
		return
	}
	c.Add(ValidateJSONObject("payload", payload, MaxPayloadBytes))
}
