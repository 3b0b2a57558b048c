package media

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is a unit of work flowing through the download and upload dispatchers.
//
// Every job starts in the download phase. On success it is converted (with
// ToUploadPhase) into one or more upload-phase jobs that carry forward every
// shared field plus caller-supplied overrides; replay converts back. The
// accumulated failure counters survive both conversions.
type Job struct {
	ID    uuid.UUID
	Phase Phase

	Origin Origin
	URL    string
	UniqID string
	Type   Type

	// Correlation keys back to the request layer.
	ChatID    int64
	MessageID int64

	ArtifactPath  string // local file produced by a scraping actor
	ArtifactRef   string // side-channel reference after delivery (or from cache)
	CanonicalName string

	// Collection holds nested sub-items for carousel/multi-item posts.
	// Each job owns its own slice; conversions deep-copy it.
	Collection []*Job

	InProcess bool
	Replay    bool
	SaveItems bool

	UnavailableErrors int
	BadProxyErrors    int
	GeoblockErrors    int
	AccountSwitches   int

	Failed     bool
	FailedMsg  string
	Warning    bool
	WarningMsg string

	// Side-channel routing flags: these jobs bypass the dedup cache entirely.
	AdminNotice bool
	NoticeText  string
	AuthPrompt  bool

	// Human-like browsing between downloads (platform dependent).
	ScrollSeed int64

	ValidateSession bool
	PostponedUntil  time.Time
}

// Params enumerates every field recognized at job construction time.
// There is deliberately no attribute-bag path: a field not listed here
// cannot be set on a new job.
type Params struct {
	URL       string
	Origin    Origin // zero value: derived from URL
	Type      Type
	ChatID    int64
	MessageID int64
	SaveItems bool

	AdminNotice bool
	NoticeText  string
	AuthPrompt  bool

	ScrollSeed      int64
	ValidateSession bool
}

var ErrNoURL = errors.New("media: job requires a URL")

// New builds a download-phase job. Jobs that exist purely for side-channel
// routing (admin notices, auth prompts) or account upkeep (session validation,
// scroll) may omit the URL; everything else must carry one.
func New(p Params) (*Job, error) {
	url := strings.TrimSpace(p.URL)
	if url == "" && !p.AdminNotice && !p.AuthPrompt && !p.ValidateSession && p.ScrollSeed == 0 {
		return nil, ErrNoURL
	}

	origin := p.Origin
	if origin == "" {
		origin = OriginOf(url)
	}
	typ := p.Type
	if typ == "" {
		typ = TypeUnknown
	}

	j := &Job{
		ID:              uuid.New(),
		Phase:           PhaseDownload,
		Origin:          origin,
		URL:             url,
		Type:            typ,
		ChatID:          p.ChatID,
		MessageID:       p.MessageID,
		SaveItems:       p.SaveItems,
		AdminNotice:     p.AdminNotice,
		NoticeText:      p.NoticeText,
		AuthPrompt:      p.AuthPrompt,
		ScrollSeed:      p.ScrollSeed,
		ValidateSession: p.ValidateSession,
		Collection:      []*Job{},
	}
	if url != "" {
		j.UniqID = Normalize(url)
	}
	return j, nil
}

// Overrides carries the caller-supplied field changes applied during a phase
// conversion. Zero-valued fields leave the source job's value in place; bool
// flags only ever flip false -> true.
type Overrides struct {
	Type          Type
	ArtifactPath  string
	ArtifactRef   string
	CanonicalName string
	Collection    []*Job
	SaveItems     *bool

	InProcess  bool
	Replay     bool
	Failed     bool
	FailedMsg  string
	Warning    bool
	WarningMsg string
}

// ToUploadPhase returns a new upload-phase job copying every field of the
// source, applying over, and recursively converting nested collection entries.
func (j *Job) ToUploadPhase(over Overrides) *Job {
	c := j.clone()
	c.setPhase(PhaseUpload)
	c.apply(over)
	return c
}

// ToDownloadPhase is the inverse conversion, used only by the replay
// transition: a link rewrite sends the job back through the download side
// with its accumulated counters intact.
func (j *Job) ToDownloadPhase(over Overrides) *Job {
	c := j.clone()
	c.setPhase(PhaseDownload)
	c.Replay = false
	c.apply(over)
	return c
}

// IsEmpty reports whether the job carries nothing deliverable: a collection
// without sub-items, or a plain job with neither a local artifact nor a
// cached reference.
func (j *Job) IsEmpty() bool {
	if j.Type == TypeCollection {
		return len(j.Collection) == 0
	}
	return j.ArtifactPath == "" && j.ArtifactRef == ""
}

func (j *Job) clone() *Job {
	c := *j
	c.Collection = make([]*Job, len(j.Collection))
	for i, sub := range j.Collection {
		c.Collection[i] = sub.clone()
	}
	return &c
}

func (j *Job) setPhase(p Phase) {
	j.Phase = p
	for _, sub := range j.Collection {
		sub.setPhase(p)
	}
}

func (j *Job) apply(over Overrides) {
	if over.Type != "" && over.Type != TypeUnknown {
		j.Type = over.Type
	}
	if over.ArtifactPath != "" {
		j.ArtifactPath = over.ArtifactPath
	}
	if over.ArtifactRef != "" {
		j.ArtifactRef = over.ArtifactRef
	}
	if over.CanonicalName != "" {
		j.CanonicalName = over.CanonicalName
	}
	if over.Collection != nil {
		j.Collection = over.Collection
		for _, sub := range j.Collection {
			sub.setPhase(j.Phase)
		}
	}
	if over.SaveItems != nil {
		j.SaveItems = *over.SaveItems
	}
	if over.InProcess {
		j.InProcess = true
	}
	if over.Replay {
		j.Replay = true
	}
	if over.Failed {
		j.Failed = true
	}
	if over.FailedMsg != "" {
		j.FailedMsg = over.FailedMsg
	}
	if over.Warning {
		j.Warning = true
	}
	if over.WarningMsg != "" {
		j.WarningMsg = over.WarningMsg
	}
}
