package service

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"assistant/internal/model"
)

// HighConfidenceThreshold is the score at which a classifier intent is dispatched without the model
const HighConfidenceThreshold = 0.7

const (
	defaultBookingMinutes = 60
	partialConfidence     = 0.25
	fallbackConfidence    = 0.2
)

var (
	greetingRe = regexp.MustCompile(`^(?:hi|hello|hey|hei|hallo|yo|good (?:morning|afternoon|evening)|god (?:morgen|dag|kveld))(?:\s+there)?$`)
	undoRe     = regexp.MustCompile(`^(?:undo|angre)(?:\s+(?:that|it|last|the last booking|my last booking|siste))?$`)
	cancelAll  = regexp.MustCompile(`^(?:cancel|avbryt|slett)\s+(?:all|alle|every|everything)(?:\s+(?:of\s+)?my)?(?:\s+(?:bookings?|reservations?|bookinger|meetings))?(?:\s+(?:for\s+)?(today|tomorrow|this week|next week|i dag|i morgen))?$`)
	cancelOne  = regexp.MustCompile(`^(?:cancel|avbryt)\s+(?:my\s+)?(?:booking|reservation)\s+#?([a-z0-9][a-z0-9-]*)$`)
	cancelAny  = regexp.MustCompile(`^(?:cancel|avbryt)\b`)
	roomsRe    = regexp.MustCompile(`^(?:(?:show|list|get|see|view|find|vis)(?:\s+me)?\s+)?(?:all the\s+|all\s+|the\s+|alle\s+)?(?:rooms?|rom)(?:\s+for\s+(\d+)\s*(?:people|persons|personer|pax))?(?:\s+in\s+([\p{L}\d ]+))?$`)
	roomsWhat  = regexp.MustCompile(`^what rooms (?:are there|do you have|exist)$`)
	bookingsRe = regexp.MustCompile(`^(?:(?:show|list|get|see|view|vis)(?:\s+me)?\s+)?(?:all\s+)?(?:my\s+|mine\s+)?(?:bookings?|reservations?|meetings|bookinger)(?:\s+(?:for\s+)?(today|tomorrow|this week|next week|i dag|i morgen))?$`)
	bookingsQ  = regexp.MustCompile(`^(?:what are my (?:bookings|reservations)|what have i booked)(?:\s+(?:for\s+)?(today|tomorrow|this week|next week))?$`)
	availKW    = regexp.MustCompile(`\b(?:available|availability|free|ledig|ledige)\b`)
	availIsRe  = regexp.MustCompile(`^(?:is|are|er)\s+(?:the\s+)?(.+?)\s+(?:available|free|ledig)\b`)
	availForRe = regexp.MustCompile(`\b(?:availability|available|free|ledig)\s+(?:for|in|of|on|på)\s+(.+)$`)
	createRe   = regexp.MustCompile(`^(?:(?:please|can you|could you|kan du)\s+)?(?:book|reserve|bestill|reserver)\b\s*(.*)$`)
	genericRef = regexp.MustCompile(`^(?:it|that|this|there\b.*|any\b.*|a room|an? .*room|rooms?|the room|anything|something|et rom|noe)$`)
	titleRe    = regexp.MustCompile(`"([^"]+)"`)

	dayRe      = regexp.MustCompile(`\b(today|tonight|tomorrow|i dag|i morgen|monday|tuesday|wednesday|thursday|friday|saturday|sunday|mandag|tirsdag|onsdag|torsdag|fredag|lørdag|søndag)\b`)
	atTimeRe   = regexp.MustCompile(`\b(?:at|kl\.?)\s*(\d{1,2})(?:[:.](\d{2}))?\s*(am|pm)?\b`)
	ampmTimeRe = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	clockRe    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	durationRe = regexp.MustCompile(`\bfor\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h|minutter|timer?)\b`)
	hourRe     = regexp.MustCompile(`\bfor\s+(?:an|one)\s+hour\b`)
	halfHourRe = regexp.MustCompile(`\bfor\s+half\s+an\s+hour\b`)
	trailingRe = regexp.MustCompile(`[\s.!?,;:]+$`)
	spacesRe   = regexp.MustCompile(`\s+`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
	"søndag": time.Sunday, "mandag": time.Monday, "tirsdag": time.Tuesday, "onsdag": time.Wednesday,
	"torsdag": time.Thursday, "fredag": time.Friday, "lørdag": time.Saturday,
}

var filterNames = map[string]string{
	"today": "today", "i dag": "today", "tomorrow": "tomorrow", "i morgen": "tomorrow",
	"this week": "this_week", "next week": "next_week",
}

// timeStopWords end a free-text room reference
var timeStopWords = map[string]bool{
	"today": true, "tonight": true, "tomorrow": true, "at": true, "on": true, "for": true,
	"from": true, "kl": true, "kl.": true, "i": true, "this": true, "next": true, "between": true,
	"until": true, "to": true, "if": true, "please": true, "på": true,
}

// Classifier is a deterministic rule-based intent recognizer
type Classifier struct {
	now func() time.Time
}

// NewClassifier creates a classifier. A nil clock uses time.Now.
func NewClassifier(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{now: now}
}

// HasHighConfidence reports whether the intent can be dispatched without the model
func HasHighConfidence(intent model.Intent) bool {
	return intent.Confidence >= HighConfidenceThreshold
}

// ShouldUseLLM reports whether the model should be consulted for the intent
func ShouldUseLLM(intent model.Intent) bool {
	return !HasHighConfidence(intent) && intent.UseLLM
}

// Classify resolves text in UTC with no room vocabulary
func (c *Classifier) Classify(text string) model.Intent {
	return c.ClassifyIn(text, time.UTC, nil)
}

// classifyInput is the normalized command shared by recognizers
type classifyInput struct {
	raw   string
	cmd   string
	now   time.Time
	rooms []string
}

type recognizer func(in *classifyInput) (model.Intent, bool)

// ClassifyIn resolves text, interpreting times in loc and room names against rooms.
// Recognizers run in order and the first match wins.
func (c *Classifier) ClassifyIn(text string, loc *time.Location, rooms []string) model.Intent {
	if loc == nil {
		loc = time.UTC
	}

	cmd := normalizeCommand(text)
	if cmd == "" {
		return model.Intent{Type: model.IntentLLMFallback, Source: model.SourceClassifier}
	}

	in := &classifyInput{raw: text, cmd: cmd, now: c.now().In(loc), rooms: rooms}
	for _, r := range []recognizer{
		recognizeGreeting,
		recognizeUndo,
		recognizeCancelAll,
		recognizeCancelOne,
		recognizeRooms,
		recognizeBookings,
		recognizeAvailability,
		recognizeCreate,
	} {
		if intent, ok := r(in); ok {
			intent.Source = model.SourceClassifier
			return intent
		}
	}

	return model.Intent{
		Type:       model.IntentLLMFallback,
		Confidence: fallbackConfidence,
		UseLLM:     true,
		Source:     model.SourceClassifier,
	}
}

func recognizeGreeting(in *classifyInput) (model.Intent, bool) {
	if !greetingRe.MatchString(in.cmd) {
		return model.Intent{}, false
	}
	return model.Intent{Type: model.IntentGreeting, Confidence: 0.95}, true
}

func recognizeUndo(in *classifyInput) (model.Intent, bool) {
	if !undoRe.MatchString(in.cmd) {
		return model.Intent{}, false
	}
	return model.Intent{Type: model.IntentUndo, Confidence: 0.9}, true
}

func recognizeCancelAll(in *classifyInput) (model.Intent, bool) {
	m := cancelAll.FindStringSubmatch(in.cmd)
	if m == nil {
		return model.Intent{}, false
	}
	filter := "all"
	if m[1] != "" {
		filter = filterNames[m[1]]
	}
	return model.Intent{
		Type:       model.IntentCancelAll,
		Entities:   model.Entities{Filter: filter},
		Confidence: 0.9,
	}, true
}

func recognizeCancelOne(in *classifyInput) (model.Intent, bool) {
	if m := cancelOne.FindStringSubmatch(in.cmd); m != nil {
		return model.Intent{
			Type:       model.IntentCancelBooking,
			Entities:   model.Entities{BookingID: m[1]},
			Confidence: 0.85,
		}, true
	}
	if cancelAny.MatchString(in.cmd) {
		return model.Intent{Type: model.IntentCancelBooking, Confidence: partialConfidence, UseLLM: true}, true
	}
	return model.Intent{}, false
}

func recognizeRooms(in *classifyInput) (model.Intent, bool) {
	if roomsWhat.MatchString(in.cmd) {
		return model.Intent{Type: model.IntentRoomsQuery, Confidence: 0.9}, true
	}
	m := roomsRe.FindStringSubmatch(in.cmd)
	if m == nil {
		return model.Intent{}, false
	}

	var e model.Entities
	if m[1] != "" {
		if n, err := strconv.Atoi(m[1]); err == nil {
			e.Capacity = &n
		}
	}
	e.Location = strings.TrimSpace(m[2])
	return model.Intent{Type: model.IntentRoomsQuery, Entities: e, Confidence: 0.9}, true
}

func recognizeBookings(in *classifyInput) (model.Intent, bool) {
	m := bookingsRe.FindStringSubmatch(in.cmd)
	if m == nil {
		m = bookingsQ.FindStringSubmatch(in.cmd)
	}
	if m == nil {
		return model.Intent{}, false
	}
	return model.Intent{
		Type:       model.IntentBookingsQuery,
		Entities:   model.Entities{Filter: filterNames[m[1]]},
		Confidence: 0.9,
	}, true
}

func recognizeAvailability(in *classifyInput) (model.Intent, bool) {
	if !availKW.MatchString(in.cmd) {
		return model.Intent{}, false
	}

	e := model.Entities{RoomName: knownRoom(in.cmd, in.rooms)}
	if e.RoomName == "" && len(in.rooms) == 0 {
		if m := availIsRe.FindStringSubmatch(in.cmd); m != nil {
			e.RoomName = roomReference(m[1])
		} else if m := availForRe.FindStringSubmatch(in.cmd); m != nil {
			e.RoomName = roomReference(m[1])
		}
	}

	w := extractWhen(in.cmd, in.now)
	switch {
	case w.hasTime:
		start := w.start()
		end := start.Add(time.Duration(w.minutesOr(defaultBookingMinutes)) * time.Minute)
		e.StartTime, e.EndTime = &start, &end
	case w.hasDay:
		start := w.date
		end := start.AddDate(0, 0, 1)
		startUTC, endUTC := start.UTC(), end.UTC()
		e.StartTime, e.EndTime = &startUTC, &endUTC
	}

	if e.RoomName == "" && e.StartTime == nil {
		return model.Intent{Type: model.IntentAvailabilityCheck, Confidence: partialConfidence, UseLLM: true}, true
	}
	return model.Intent{Type: model.IntentAvailabilityCheck, Entities: e, Confidence: 0.8}, true
}

func recognizeCreate(in *classifyInput) (model.Intent, bool) {
	m := createRe.FindStringSubmatch(in.cmd)
	if m == nil {
		return model.Intent{}, false
	}

	e := model.Entities{RoomName: knownRoom(in.cmd, in.rooms)}
	if e.RoomName == "" && len(in.rooms) == 0 {
		e.RoomName = roomReference(m[1])
	}
	if t := titleRe.FindStringSubmatch(in.raw); t != nil {
		e.Title = strings.TrimSpace(t[1])
	}

	w := extractWhen(in.cmd, in.now)
	if w.hasTime {
		minutes := w.minutesOr(defaultBookingMinutes)
		start := w.start()
		end := start.Add(time.Duration(minutes) * time.Minute)
		e.StartTime, e.EndTime, e.Duration = &start, &end, &minutes
	}

	if e.RoomName == "" || e.StartTime == nil {
		return model.Intent{Type: model.IntentBookingCreate, Entities: e, Confidence: partialConfidence, UseLLM: true}, true
	}
	return model.Intent{Type: model.IntentBookingCreate, Entities: e, Confidence: 0.85}, true
}

// knownRoom returns the longest room name appearing as a whole phrase in cmd
func knownRoom(cmd string, rooms []string) string {
	sorted := append([]string(nil), rooms...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	padded := " " + cmd + " "
	for _, r := range sorted {
		name := strings.ToLower(strings.TrimSpace(r))
		if name != "" && strings.Contains(padded, " "+name+" ") {
			return r
		}
	}
	return ""
}

// roomReference takes free text after a verb and keeps the words before the first time phrase
func roomReference(rest string) string {
	var kept []string
	for _, w := range strings.Fields(rest) {
		if _, isDay := weekdays[w]; isDay || timeStopWords[w] {
			break
		}
		kept = append(kept, w)
	}
	ref := strings.TrimSpace(strings.Join(kept, " "))
	ref = strings.TrimPrefix(ref, "the ")
	if ref == "" || genericRef.MatchString(ref) {
		return ""
	}
	return ref
}

// when is a date/time phrase extracted from a command, in the caller's location
type when struct {
	date    time.Time // midnight of the referenced day
	hasDay  bool
	hasTime bool
	hour    int
	minute  int
	minutes int // 0 when no duration was given
}

func (w when) start() time.Time {
	return time.Date(w.date.Year(), w.date.Month(), w.date.Day(), w.hour, w.minute, 0, 0, w.date.Location()).UTC()
}

func (w when) minutesOr(def int) int {
	if w.minutes > 0 {
		return w.minutes
	}
	return def
}

func extractWhen(cmd string, now time.Time) when {
	w := when{date: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())}

	if m := dayRe.FindStringSubmatch(cmd); m != nil {
		w.hasDay = true
		switch day := m[1]; day {
		case "today", "tonight", "i dag":
		case "tomorrow", "i morgen":
			w.date = w.date.AddDate(0, 0, 1)
		default:
			ahead := (int(weekdays[day]) - int(now.Weekday()) + 7) % 7
			w.date = w.date.AddDate(0, 0, ahead)
		}
	}

	if h, m, ok := extractClock(cmd); ok {
		w.hasTime = true
		w.hour, w.minute = h, m
	}

	switch {
	case halfHourRe.MatchString(cmd):
		w.minutes = 30
	case hourRe.MatchString(cmd):
		w.minutes = 60
	default:
		if m := durationRe.FindStringSubmatch(cmd); m != nil {
			n, _ := strconv.Atoi(m[1])
			if strings.HasPrefix(m[2], "h") || strings.HasPrefix(m[2], "time") {
				n *= 60
			}
			w.minutes = n
		}
	}

	return w
}

// extractClock finds a time of day. Hours 1-7 without am/pm are read as afternoon.
func extractClock(cmd string) (hour, minute int, ok bool) {
	for _, re := range []*regexp.Regexp{atTimeRe, ampmTimeRe} {
		if m := re.FindStringSubmatch(cmd); m != nil {
			return resolveClock(m[1], m[2], m[3])
		}
	}
	if m := clockRe.FindStringSubmatch(cmd); m != nil {
		return resolveClock(m[1], m[2], "")
	}
	return 0, 0, false
}

func resolveClock(h, m, meridiem string) (int, int, bool) {
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, false
	}
	minute := 0
	if m != "" {
		if minute, err = strconv.Atoi(m); err != nil {
			return 0, 0, false
		}
	}

	switch meridiem {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	default:
		if hour >= 1 && hour <= 7 {
			hour += 12
		}
	}

	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func normalizeCommand(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = spacesRe.ReplaceAllString(s, " ")
	s = trailingRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
