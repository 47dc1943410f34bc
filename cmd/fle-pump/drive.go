package main

import (
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/kmswire"
	"github.com/axonops/fle-core/internal/opcontext"
	"github.com/axonops/fle-core/internal/telemetry"
)

// driveResult is drive's report, used for telemetry and logging.
type driveResult struct {
	variant   string
	kmsRounds int
}

// drive pumps ctx to completion the way a host binding's event loop would
// (spec §5): repeatedly inspect State(), issue the matching driver call,
// and feed back whatever "Mongo" or "KMS" round trip it asked for. ks
// answers every NEED_MONGO_KEYS round. NEED_KMS completes only when the
// broker produced no subcontext (LOCAL keys unwrap synchronously); any
// remote-provider subcontext is handed to driveSubcontext, which fails,
// since no live client is wired to send its request anywhere — see
// SPEC_FULL.md's "never dials a socket" non-goal.
func drive(ctx *opcontext.Context, variant string, ks *keyStore, sink *telemetry.Sink, logger *slog.Logger) (bson.Raw, error) {
	rounds := 0
	for {
		state := ctx.State()
		if sink != nil {
			sink.RecordTransition(state.String())
		}
		logger.Debug("pump state", slog.String("state", state.String()), slog.String("variant", variant))

		switch state {
		case opcontext.NeedMongoCollInfo, opcontext.NeedMongoMarkings:
			return nil, fmt.Errorf("drive: %s requires a collection-info/markings source the harness does not simulate", state)

		case opcontext.NeedMongoKeys:
			filter, err := ctx.MongoOp()
			if err != nil {
				return nil, err
			}
			matches, err := ks.find(filter)
			if err != nil {
				return nil, err
			}
			for _, doc := range matches {
				if err := ctx.MongoFeed(doc); err != nil {
					return nil, err
				}
			}
			if err := ctx.MongoDone(); err != nil {
				return nil, err
			}

		case opcontext.NeedKMS:
			sub, ok := ctx.NextKMSCtx()
			if !ok {
				if err := ctx.KMSDone(); err != nil {
					return nil, err
				}
				continue
			}
			rounds++
			if err := driveSubcontext(sub); err != nil {
				return nil, err
			}

		case opcontext.Ready, opcontext.NothingToDo:
			out, err := ctx.Finalize()
			if sink != nil {
				outcome := "ok"
				if err != nil {
					outcome = "error"
				}
				sink.RecordOperation(variant, outcome, rounds)
			}
			return out, err

		case opcontext.Error:
			st, _ := ctx.Status()
			if sink != nil {
				sink.RecordError(st.Kind.String())
			}
			return nil, fmt.Errorf("pump failed: %s", st.Error())

		default:
			return nil, fmt.Errorf("drive: unexpected state %s", state)
		}
	}
}

// driveSubcontext would pump a kmswire.Subcontext to completion by
// connecting to its Endpoint(), transmitting Message(), and streaming the
// response into Feed() (spec §4.2) — exactly what a host binding does.
// This harness only exercises the LOCAL provider, which resolves
// synchronously inside the broker and never produces a subcontext.
// loadKeyStore wraps every fixture under LOCAL, so no subcontext is
// expected here; any that does arrive fails, since the harness has no
// responder to send its request to.
func driveSubcontext(sub *kmswire.Subcontext) error {
	ep, err := sub.Endpoint()
	if err != nil {
		return fmt.Errorf("kms subcontext: %w", err)
	}
	return fmt.Errorf("kms subcontext: %s has no simulated responder wired in this harness", ep)
}
