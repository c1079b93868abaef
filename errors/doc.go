// Package errors provides the error taxonomy shared by every streambus package.
//
// # Error Classification
//
// Errors fall into three classes that drive handling decisions:
//
//   - Transient: connection loss, timeouts, ack-wait expiry. The connection
//     manager retries these internally; callers may retry requests.
//   - Invalid: bad subjects, administrative conflicts (ErrConfigConflict,
//     ErrNoMatchingStream), serialization failures. Never retried automatically.
//   - Fatal: closed connections, terminated consumers, closed storage.
//
// # Wrapping Pattern
//
// All wrapping follows "component.method: action failed: %w":
//
//	return errors.WrapInvalid(errors.ErrInvalidSubject, "Router", "Register", "validate pattern")
//
// Classification survives the chain, and sentinels stay reachable through
// errors.Is:
//
//	_, err := c.Request(ctx, "math.double", data, time.Second)
//	if errors.Is(err, errors.ErrTimeout) {
//	    // no responder answered in time
//	}
//
// # Bus Sentinels
//
//   - Connection: ErrConnectionLost, ErrNotConnected, ErrConnectionClosed, ErrOverflow
//   - Request/fetch: ErrTimeout
//   - Subjects: ErrInvalidSubject, ErrInvalidQueue, ErrSubscriptionClosed, ErrSlowConsumer
//   - Payload: ErrSerialization
//   - Streams: ErrNoMatchingStream, ErrConfigConflict, ErrStreamNotFound, ErrSubjectOverlap,
//     ErrMsgNotFound, ErrStreamFull, ErrMaxPayload, ErrWrongLastSequence
//   - Consumers: ErrConsumerNotFound, ErrConsumerTerminated, ErrAckWaitExpired, ErrMaxDeliver,
//     ErrAckFailed, ErrAlreadyAcked
package errors
