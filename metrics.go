package main

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"vagabond/server/dispatcher"
	"vagabond/server/sfu"
)

// runMetrics logs connection and relay stats every interval until ctx is
// canceled, covering this server's three stat-bearing components: the TCP
// dispatcher and both UDP relays.
func runMetrics(ctx context.Context, d *dispatcher.Dispatcher, voice, video *sfu.Relay, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conns, authed := d.Stats()
			voiceUnknown, voiceMalformed := voice.Stats()
			videoUnknown, videoMalformed := video.Stats()

			log.Printf("[metrics] connections=%s authenticated=%s", humanize.Comma(int64(conns)), humanize.Comma(int64(authed)))
			if dropped := voiceUnknown + voiceMalformed + videoUnknown + videoMalformed; dropped > 0 {
				log.Printf("[metrics] sfu drops: voice(unknown=%s malformed=%s) video(unknown=%s malformed=%s)",
					humanize.Comma(voiceUnknown), humanize.Comma(voiceMalformed),
					humanize.Comma(videoUnknown), humanize.Comma(videoMalformed))
			}
		}
	}
}
