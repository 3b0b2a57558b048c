package media

import "testing"

func TestNormalizeVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "instagram reel",
			raw:  "https://www.instagram.com/reel/C8xyz123/",
			want: "reel/C8xyz123",
		},
		{
			name: "instagram reel with tracking params",
			raw:  "https://www.instagram.com/reel/C8xyz123/?igsh=abc&utm_source=share",
			want: "reel/C8xyz123",
		},
		{
			name: "youtube watch",
			raw:  "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			want: "youtube/dQw4w9WgXcQ",
		},
		{
			name: "youtube watch with playlist noise",
			raw:  "https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PL123&index=4",
			want: "youtube/dQw4w9WgXcQ",
		},
		{
			name: "youtube shorts",
			raw:  "https://www.youtube.com/shorts/Abc123Def",
			want: "shorts/Abc123Def",
		},
		{
			name: "youtube music",
			raw:  "https://music.youtube.com/watch?v=track99&si=xyz",
			want: "yt_music/track99",
		},
		{
			name: "x post",
			raw:  "https://x.com/user/status/12345?s=20",
			want: "user/status/12345",
		},
		{
			name: "unparseable input falls back to trimmed raw",
			raw:  "  ://not a url/  ",
			want: "://not a url",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.raw)
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
			// Same input must always produce the same key.
			if again := Normalize(tt.raw); again != got {
				t.Fatalf("Normalize not deterministic: %q vs %q", got, again)
			}
		})
	}
}

func TestNormalizeStripsTrackingVariants(t *testing.T) {
	t.Parallel()
	a := Normalize("https://www.instagram.com/p/XYZ/?igsh=share1")
	b := Normalize("https://instagram.com/p/XYZ?utm_medium=copy")
	if a != b {
		t.Fatalf("same content produced different keys: %q vs %q", a, b)
	}
}

func TestOriginOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Origin
	}{
		{"https://www.instagram.com/reel/abc/", OriginInstagram},
		{"https://youtu.be/dQw4w9WgXcQ", OriginYoutuBe},
		{"https://music.youtube.com/watch?v=x", OriginYTMusic},
		{"https://www.youtube.com/shorts/abc", OriginYTShorts},
		{"https://www.youtube.com/watch?v=abc", OriginYouTube},
		{"https://x.com/user/status/1", OriginX},
		{"https://twitter.com/user/status/1", OriginX},
		{"https://example.com/video/1", OriginUnknown},
	}
	for _, tt := range tests {
		if got := OriginOf(tt.raw); got != tt.want {
			t.Errorf("OriginOf(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestPoolKeyGroupsYouTubeFlavors(t *testing.T) {
	t.Parallel()
	for _, o := range []Origin{OriginYouTube, OriginYTShorts, OriginYTMusic, OriginYoutuBe} {
		if got := o.PoolKey(); got != "youtube" {
			t.Errorf("PoolKey(%q) = %q, want youtube", o, got)
		}
	}
	if got := OriginX.PoolKey(); got != "x" {
		t.Errorf("PoolKey(x) = %q", got)
	}
	if got := OriginInstagram.PoolKey(); got != "instagram" {
		t.Errorf("PoolKey(instagram) = %q", got)
	}
}
