// Package messaging implements the large-message pipeline that lets payloads
// of any size travel through a queue with a hard per-message limit.
//
// The package is organized around four components sharing one Options value:
//   - MessagePublisher: validates properties, offloads oversized bodies to a
//     BlobStore and sends a pointer in their place
//   - BatchAssembler: packs prepared envelopes into transport batches,
//     splitting when a batch is full
//   - MessageSubscriber: resolves pointers back into payloads, strips the
//     pipeline's reserved properties and settles messages
//   - Cleaner: deletes blobs of consumed messages and sweeps expired blobs
//
// Every blob store and transport call runs through a retry executor with
// exponential backoff. Validation errors are never retried.
//
// Example usage:
//
//	opts := messaging.DefaultOptions()
//	opts.Threshold = 128 * 1024
//
//	publisher, err := messaging.NewMessagePublisher(transport, store, opts)
//	if err != nil {
//		return err
//	}
//	_, err = publisher.Send(ctx, messaging.SendRequest{
//		Body:       payload,
//		Properties: contracts.NewProperties("tenant", "acme"),
//	})
//
//	subscriber, err := messaging.NewMessageSubscriber(transport, store, opts)
//	if err != nil {
//		return err
//	}
//	err = subscriber.Subscribe(ctx, messaging.MessageHandlerFunc(
//		func(ctx context.Context, env *contracts.Envelope) error {
//			return process(env.Body)
//		}), messaging.DefaultSubscribeOptions())
package messaging
