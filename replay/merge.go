package replay

import (
	"github.com/maxpert/indexsync/capture"
	"github.com/maxpert/indexsync/index"
	"github.com/maxpert/indexsync/telemetry"
	"github.com/rs/zerolog/log"
)

// decodeBatch decodes records, skipping the ones that fail.
// The codec is chosen from the record's content-type header, falling back to fallback.
func decodeBatch(records []Record, fallback capture.Codec) ([]*capture.MutationEvent, int) {
	events := make([]*capture.MutationEvent, 0, len(records))
	skipped := 0

	for _, rec := range records {
		codec := capture.CodecForContentType(rec.Headers[capture.HeaderContentType], fallback)
		event, err := codec.Decode(rec.Value)
		if err != nil {
			skipped++
			telemetry.ReplayDecodeFailuresTotal.Inc()
			log.Warn().
				Err(err).
				Str("key", rec.Key).
				Int("partition", rec.Partition).
				Int64("offset", rec.Offset).
				Str("codec", codec.Name()).
				Msg("Skipping undecodable mutation event")
			continue
		}

		if rec.Key != "" && rec.Key != event.Key() {
			log.Debug().
				Str("key", rec.Key).
				Str("event_key", event.Key()).
				Msg("Record key does not match event document")
		}
		events = append(events, event)
	}

	return events, skipped
}

// Merge folds events into one mutation per document in event order.
// Entries are concatenated and isNew/isDeleted are OR-ed, the same rule the
// capture side uses within one transaction.
func Merge(events []*capture.MutationEvent) index.Mutations {
	merged := make(index.Mutations)
	for _, event := range events {
		docs, ok := merged[event.StoreName]
		if !ok {
			docs = make(map[string]*index.Mutation)
			merged[event.StoreName] = docs
		}

		if existing, ok := docs[event.DocumentID]; ok {
			existing.Merge(event.Mutation())
			continue
		}
		docs[event.DocumentID] = event.Mutation()
	}
	return merged
}
