package cacheid

import (
	"testing"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
)

func intp(i int) *int       { return &i }
func strp(s string) *string { return &s }

func TestDerive_Deterministic(t *testing.T) {
	opts := model.Options{Width: intp(640), Height: intp(360)}
	a := Derive("/videos/a.mp4", opts)
	b := Derive("/videos/a.mp4", opts)
	if a != b {
		t.Fatalf("expected deterministic output, got %q and %q", a, b)
	}
	if a != "video:videos/a.mp4:w=640:h=360" {
		t.Fatalf("unexpected cache identity: %q", a)
	}
}

func TestDerive_DerivativeElidesDimensions(t *testing.T) {
	opts := model.Options{Width: intp(640), Height: intp(360), Derivative: "mobile"}
	got := Derive("/videos/a.mp4", opts)
	want := "video:videos/a.mp4:derivative=mobile"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDerive_ModeSpecificParams(t *testing.T) {
	t.Run("frame", func(t *testing.T) {
		opts := model.Options{Mode: model.ModeFrame, Time: strp("5s"), Frame: strp("jpg")}
		got := Derive("a.mp4", opts)
		if got != "frame:a.mp4:t=5s:f=jpg" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("spritesheet", func(t *testing.T) {
		opts := model.Options{Mode: model.ModeSpritesheet, Columns: intp(4), Rows: intp(3), Interval: strp("10s")}
		got := Derive("a.mp4", opts)
		if got != "spritesheet:a.mp4:cols=4:rows=3:interval=10s" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("video", func(t *testing.T) {
		opts := model.Options{Format: strp("mp4"), Quality: strp("high"), Codec: strp("h264")}
		got := Derive("a.mp4", opts)
		if got != "video:a.mp4:f=mp4:q=high:c=h264" {
			t.Fatalf("got %q", got)
		}
	})
}

func TestDerive_DefaultsToVideoMode(t *testing.T) {
	got := Derive("a.mp4", model.Options{})
	if got != "video:a.mp4" {
		t.Fatalf("got %q", got)
	}
}

func TestDerive_LeadingSlashesStripped(t *testing.T) {
	got := Derive("///videos/a.mp4", model.Options{})
	if got != "video:videos/a.mp4" {
		t.Fatalf("got %q", got)
	}
}

func TestDerive_SanitizesDisallowedCharacters(t *testing.T) {
	got := Derive("videos/a b@c.mp4", model.Options{})
	if got != "video:videos/a-b-c.mp4" {
		t.Fatalf("got %q", got)
	}
}

func TestStripVersionParam_Idempotent(t *testing.T) {
	withV := "https://example.com/a.mp4?w=640&v=3"
	withoutV := "https://example.com/a.mp4?w=640"

	strippedA := StripVersionParam(withV)
	strippedB := StripVersionParam(strippedA)

	optsA := model.Options{Width: intp(640)}
	ciFromStripped := Derive("a.mp4", optsA)
	ciDirect := Derive("a.mp4", optsA)

	if ciFromStripped != ciDirect {
		t.Fatalf("identity derivation should be unaffected by URL v param once stripped")
	}
	if strippedA == withV {
		t.Fatalf("expected v param to be stripped")
	}
	if strippedB != strippedA {
		t.Fatalf("StripVersionParam should be idempotent, got %q then %q", strippedA, strippedB)
	}
	_ = withoutV
}

func TestDerive_NeverFails(t *testing.T) {
	// Exercise a variety of degenerate inputs; none should panic and all
	// must return a non-empty string.
	cases := []string{"", "\x00\x01", string(make([]byte, 10000))}
	for _, c := range cases {
		got := Derive(c, model.Options{})
		if got == "" {
			t.Fatalf("expected non-empty identity for input %q", c)
		}
	}
}
