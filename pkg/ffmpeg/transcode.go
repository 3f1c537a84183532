package ffmpeg

import (
	"context"
	"time"
)

// webDeliveryOptions is the normalization target for everything the pipeline
// publishes: H.264 baseline level 3.1 with AAC audio maximizes playback
// compatibility across mobile and embedded players.
func webDeliveryOptions() []Option {
	return []Option{
		VideoCodec("libx264"),
		Preset("veryfast"),
		Profile("baseline"),
		Level("3.1"),
		AudioCodec("aac"),
	}
}

// NormalizeWebMP4 re-encodes input into a web-optimized MP4. A positive
// maxDuration hard-caps the output length. Progress updates are sent on the
// channel when non-nil; the channel is closed when encoding finishes.
func NormalizeWebMP4(ctx context.Context, input, output string, maxDuration time.Duration, progress chan<- Progress) error {
	opts := webDeliveryOptions()
	if maxDuration > 0 {
		opts = append(opts, Duration(maxDuration))
	}

	cmd := NewCommand(input, output, opts...)
	if progress != nil {
		return cmd.RunWithProgress(ctx, progress)
	}
	return cmd.Run(ctx)
}

// TrimClip re-cuts input between start and end using the same delivery
// parameters as NormalizeWebMP4. A zero end means "until end of input".
func TrimClip(ctx context.Context, input, output string, start, end time.Duration, progress chan<- Progress) error {
	opts := []Option{}
	if end > start && end > 0 {
		opts = append(opts, SeekTo(start, end))
	} else if start > 0 {
		opts = append(opts, Seek(start))
	}
	opts = append(opts, webDeliveryOptions()...)

	cmd := NewCommand(input, output, opts...)
	if progress != nil {
		return cmd.RunWithProgress(ctx, progress)
	}
	return cmd.Run(ctx)
}

// ExtractAudioMP3 extracts the audio track as a high-quality VBR MP3.
func ExtractAudioMP3(ctx context.Context, input, output string) error {
	return Run(ctx, input, output,
		NoVideo,
		AudioCodec("libmp3lame"),
		AudioQuality(2),
	)
}

// thumbnailOffset is where the still frame is captured. Two seconds in skips
// fade-in frames without risking a seek past the end of short clips.
const thumbnailOffset = 2 * time.Second

// CaptureThumbnail extracts a single frame as a JPEG still.
func CaptureThumbnail(ctx context.Context, input, output string) error {
	return Run(ctx, input, output,
		Seek(thumbnailOffset),
		Frames(1),
		Quality(2),
	)
}
