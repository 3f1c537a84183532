package ffmpeg

import (
	"strings"
	"testing"
	"time"
)

func argsString(args []string) string {
	return strings.Join(args, " ")
}

func TestBuild_FaststartForMP4(t *testing.T) {
	args := NewCommand("in.mkv", "out.mp4").Build()
	s := argsString(args)
	if !strings.Contains(s, "-movflags +faststart") {
		t.Fatalf("expected faststart for mp4 output: %s", s)
	}
	if args[len(args)-1] != "out.mp4" {
		t.Fatalf("expected output last: %s", s)
	}
}

func TestBuild_NoFaststartForJPG(t *testing.T) {
	s := argsString(NewCommand("in.mp4", "thumb.jpg").Build())
	if strings.Contains(s, "faststart") {
		t.Fatalf("did not expect faststart for image output: %s", s)
	}
}

func TestBuild_SeekBeforeInput(t *testing.T) {
	args := NewCommand("in.mp4", "out.mp4", Seek(2*time.Second)).Build()
	s := argsString(args)
	if !strings.Contains(s, "-ss 2.000 -i in.mp4") {
		t.Fatalf("expected input seeking before -i: %s", s)
	}
}

func TestBuild_SeekToComputesDuration(t *testing.T) {
	s := argsString(NewCommand("in.mp4", "out.mp4", SeekTo(10*time.Second, 25*time.Second)).Build())
	if !strings.Contains(s, "-ss 10.000") || !strings.Contains(s, "-t 15.000") {
		t.Fatalf("expected -ss 10 and -t 15: %s", s)
	}
}

func TestNormalizeWebMP4_Args(t *testing.T) {
	opts := webDeliveryOptions()
	opts = append(opts, Duration(30*time.Second))
	s := argsString(NewCommand("raw.webm", "out.mp4", opts...).Build())

	for _, want := range []string{
		"-c:v libx264",
		"-preset veryfast",
		"-profile:v baseline",
		"-level 3.1",
		"-c:a aac",
		"-t 30.000",
		"-movflags +faststart",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected %q in args: %s", want, s)
		}
	}
}

func TestProgressParser_CompleteUpdate(t *testing.T) {
	p := NewProgressParser()
	lines := []string{
		"frame=100",
		"fps=25.0",
		"out_time_us=4000000",
		"speed=2.0x",
		"progress=continue",
	}
	var ready bool
	for _, line := range lines {
		ready = p.ParseLine(line)
	}
	if !ready {
		t.Fatalf("expected complete update on progress= line")
	}
	cur := p.Current()
	if cur.Frame != 100 || cur.OutTimeUS != 4000000 {
		t.Fatalf("unexpected progress state: %+v", cur)
	}
	if got := cur.OutTimeSeconds(); got != 4.0 {
		t.Fatalf("expected 4s out time, got %v", got)
	}
}

func TestProgress_PercentOf(t *testing.T) {
	p := Progress{OutTimeUS: 30_000_000}
	if got := p.PercentOf(60); got != 50 {
		t.Fatalf("expected 50%%, got %d", got)
	}
	if got := p.PercentOf(0); got != -1 {
		t.Fatalf("expected -1 for unknown duration, got %d", got)
	}
	if got := (Progress{OutTimeUS: 90_000_000}).PercentOf(60); got != 100 {
		t.Fatalf("expected clamp to 100, got %d", got)
	}
}
