// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import (
	"bytes"
	"fmt"

	"github.com/DataDog/ddprof-go/internal/log"
	"github.com/DataDog/ddprof-go/internal/uploader"
	"github.com/DataDog/ddprof-go/pprofile"
)

// upload encodes a rotated profile and sends it. The bundle attachment is
// the engine's own wire format; the pprof attachment is the same data
// converted for tooling that speaks pprof. Both encodings run here, on the
// send goroutine, never on the sampling path.
func (p *profiler) upload(prof *pprofile.Profile) error {
	bundle, err := prof.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding profile bundle: %w", err)
	}
	attachments := []uploader.Attachment{
		{Name: "profile.bin", Data: bundle},
	}

	pp, err := prof.Pprof()
	if err != nil {
		return fmt.Errorf("converting profile to pprof: %w", err)
	}
	var pbuf bytes.Buffer
	if err := pp.Write(&pbuf); err != nil {
		return fmt.Errorf("encoding pprof: %w", err)
	}
	// (*profile.Profile).Write emits gzip data, so the compression pipeline
	// takes the recompression path for this attachment.
	attachments = append(attachments, uploader.Attachment{
		Name:    "profile.pprof",
		Data:    pbuf.Bytes(),
		Gzipped: true,
	})

	var mbuf bytes.Buffer
	if err := p.met.report(now(), prof.Drops, &mbuf); err != nil {
		log.Debug("Skipping runtime metrics attachment: %v", err)
	} else {
		attachments = append(attachments, uploader.Attachment{
			Name: "metrics.json",
			Data: mbuf.Bytes(),
		})
	}

	return p.uploader.Upload(p.uploadCtx, &uploader.EncodedProfile{
		Seq:         prof.Seq,
		Start:       prof.Start,
		End:         prof.End,
		Host:        p.cfg.hostname,
		Attachments: attachments,
		Tags:        dropTags(prof.Drops),
	})
}

// dropTags surfaces the profile's drop counters as tags on the upload event,
// in addition to the copy embedded in the bundle itself.
func dropTags(d pprofile.DropCounters) []string {
	return []string{
		fmt.Sprintf("dropped.pool_exhausted:%d", d.PoolExhausted),
		fmt.Sprintf("dropped.queue_evicted:%d", d.QueueEvicted),
		fmt.Sprintf("dropped.upload_failed:%d", d.UploadFailed),
	}
}
