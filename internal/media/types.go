package media

// Origin identifies the source platform (and content flavor) a job targets.
type Origin string

const (
	OriginInstagram Origin = "instagram"
	OriginYouTube   Origin = "youtube"
	OriginYTShorts  Origin = "yt_shorts"
	OriginYTMusic   Origin = "yt_music"
	OriginYoutuBe   Origin = "youtu_be"
	OriginX         Origin = "x"
	OriginUnknown   Origin = "unknown"
)

// Known reports whether the origin maps to a configured scraping actor family.
func (o Origin) Known() bool {
	switch o {
	case OriginInstagram, OriginYouTube, OriginYTShorts, OriginYTMusic, OriginYoutuBe, OriginX:
		return true
	default:
		return false
	}
}

// PoolKey groups origins that share one account/proxy pool.
// All YouTube flavors rotate through the same credentials.
func (o Origin) PoolKey() string {
	switch o {
	case OriginYouTube, OriginYTShorts, OriginYTMusic, OriginYoutuBe:
		return "youtube"
	case OriginX:
		return "x"
	default:
		return "instagram"
	}
}

// Type is the media kind carried by a job or cache entry.
type Type string

const (
	TypeUnknown    Type = "unknown"
	TypeVideo      Type = "video"
	TypeImage      Type = "image"
	TypeAudio      Type = "audio"
	TypeAnimation  Type = "animation"
	TypeCollection Type = "collection"
	TypeText       Type = "text"
)

// ParseType maps a stored string back to a Type, defaulting to unknown.
func ParseType(s string) Type {
	switch Type(s) {
	case TypeVideo, TypeImage, TypeAudio, TypeAnimation, TypeCollection, TypeText:
		return Type(s)
	default:
		return TypeUnknown
	}
}

// Phase is the lifecycle state of a job. A job is created in the download
// phase and converted to one-or-more upload-phase jobs on success; the
// "replay" transition converts an upload-phase job back.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
)

// Item is a single media artifact produced by a scraping actor.
// A collection item carries its sub-items in Items and no LocalPath of its own.
type Item struct {
	Type          Type
	LocalPath     string
	CanonicalName string
	SaveItems     bool
	Items         []Item
	ScrollSeed    int64
}
