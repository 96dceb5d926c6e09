package rabbitmq

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// toPublishing maps an envelope onto an AMQP message. A zero seq leaves
// the sequence header unset.
func (t *Transport) toPublishing(env *contracts.Envelope, seq int64) amqp.Publishing {
	headers := amqp.Table{}
	order := make([]interface{}, 0, env.Properties.Len())
	env.Properties.Range(func(key string, value interface{}) bool {
		headers[key] = headerValue(value)
		order = append(order, key)
		return true
	})
	if len(order) > 0 {
		headers[HeaderPropertyOrder] = order
	}
	if env.SessionID != "" {
		headers[HeaderSessionID] = env.SessionID
	}
	if seq != 0 {
		headers[HeaderSequenceNumber] = seq
	}

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  env.ContentType,
		MessageId:    env.MessageID,
		Timestamp:    t.now().UTC(),
		DeliveryMode: amqp.Persistent,
		Body:         env.Body,
	}
}

// headerValue converts a property value to a type AMQP tables accept
func headerValue(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case uint:
		return unsignedValue(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return unsignedValue(x)
	case nil, bool, int16, int32, int64, float32, float64, string, []byte, time.Time:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// unsignedValue keeps values beyond the int64 range exact by sending them
// as decimal strings
func unsignedValue(x uint64) interface{} {
	if x > math.MaxInt64 {
		return strconv.FormatUint(x, 10)
	}
	return int64(x)
}

// fromDelivery rebuilds an envelope from a delivery
func fromDelivery(d amqp.Delivery) *contracts.Envelope {
	env := contracts.NewEnvelope(d.Body)
	env.ContentType = d.ContentType
	env.MessageID = d.MessageId
	env.EnqueuedAt = d.Timestamp
	env.DeliveryCount = deliveryCount(d)

	if s, ok := d.Headers[HeaderSessionID].(string); ok {
		env.SessionID = s
	}
	if seq, ok := headerInt64(d.Headers, HeaderSequenceNumber); ok {
		env.SequenceNumber = seq
	}
	if s, ok := d.Headers[HeaderDeadLetterReason].(string); ok {
		env.DeadLetterReason = s
	}
	if s, ok := d.Headers[HeaderDeadLetterDescription].(string); ok {
		env.DeadLetterDescription = s
	}

	seen := make(map[string]struct{}, len(d.Headers))
	if order, ok := d.Headers[HeaderPropertyOrder].([]interface{}); ok {
		for _, k := range order {
			key, ok := k.(string)
			if !ok {
				continue
			}
			if v, present := d.Headers[key]; present {
				env.Properties.Set(key, v)
				seen[key] = struct{}{}
			}
		}
	}
	// Headers set by other producers have no recorded order
	for key, v := range d.Headers {
		if _, owned := transportHeaders[key]; owned {
			continue
		}
		if _, done := seen[key]; !done {
			env.Properties.Set(key, v)
		}
	}
	return env
}

// deliveryCount counts this delivery plus those before any republish
func deliveryCount(d amqp.Delivery) int {
	prior, _ := headerInt64(d.Headers, HeaderPriorDeliveries)
	current := int64(1)
	if n, ok := headerInt64(d.Headers, HeaderDeliveryCount); ok {
		current = n + 1
	} else if d.Redelivered {
		current = 2
	}
	return int(prior + current)
}

// republish copies a delivery into a new message, recording how often it
// has been delivered so far
func republish(d amqp.Delivery, deliveries int) amqp.Publishing {
	headers := make(amqp.Table, len(d.Headers)+1)
	for k, v := range d.Headers {
		if k == HeaderDeliveryCount {
			continue
		}
		headers[k] = v
	}
	headers[HeaderPriorDeliveries] = int64(deliveries)

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
	}
}

// publishingSize estimates the bytes a message occupies on the wire
func publishingSize(msg amqp.Publishing) int {
	n := len(msg.Body) + len(msg.MessageId) + len(msg.ContentType)
	for k, v := range msg.Headers {
		n += len(k)
		switch x := v.(type) {
		case nil:
		case string:
			n += len(x)
		case []byte:
			n += len(x)
		case []interface{}:
			for _, e := range x {
				n += len(fmt.Sprint(e))
			}
		default:
			n += len(fmt.Sprint(x))
		}
	}
	return n
}

func headerInt64(headers amqp.Table, key string) (int64, bool) {
	switch v := headers[key].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int:
		return int64(v), true
	case uint8:
		return int64(v), true
	default:
		return 0, false
	}
}
