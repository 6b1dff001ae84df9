// SPDX-License-Identifier: MIT

package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/pitwall-hq/pitwall/internal/event"
)

// SignalR hub topics.
const (
	SRHeartbeat           = "Heartbeat"
	SRExtrapolatedClock   = "ExtrapolatedClock"
	SRTimingData          = "TimingData"
	SRTimingAppData       = "TimingAppData"
	SRTimingStats         = "TimingStats"
	SRDriverList          = "DriverList"
	SRSessionInfo         = "SessionInfo"
	SRSessionStatus       = "SessionStatus"
	SRTrackStatus         = "TrackStatus"
	SRRaceControlMessages = "RaceControlMessages"
	SRWeatherData         = "WeatherData"
	SRLapCount            = "LapCount"
	SRTeamRadio           = "TeamRadio"
	SRSessionData         = "SessionData"
)

// SignalRTopics lists every subscribed hub topic.
var SignalRTopics = []string{
	SRHeartbeat, SRExtrapolatedClock, SRTimingData, SRTimingAppData,
	SRTimingStats, SRDriverList, SRSessionInfo, SRSessionStatus,
	SRTrackStatus, SRRaceControlMessages, SRWeatherData, SRLapCount,
	SRTeamRadio, SRSessionData,
}

// SignalR accumulates per-topic incremental updates and fans the merged
// shape out into normalized events. It is the only stateful part of the
// normalizer and must be driven from a single goroutine.
type SignalR struct {
	acc          map[string]map[string]any
	emittedRC    int
	emittedRadio int
}

// NewSignalR returns an empty accumulator.
func NewSignalR() *SignalR {
	return &SignalR{acc: make(map[string]map[string]any)}
}

// Apply deep-merges one topic update into the accumulated shape and returns
// the events the merged state yields. source distinguishes live SignalR from
// replayed recordings.
func (n *SignalR) Apply(topic string, payload json.RawMessage, millis int64, source event.Source) ([]event.Event, error) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("signalr %s: %w", topic, err)
	}
	update, isMap := decoded.(map[string]any)
	if isMap {
		n.acc[topic] = DeepMerge(n.acc[topic], update)
	}
	merged := n.acc[topic]

	mkEv := func(t event.Type, driver int, p event.Payload) event.Event {
		return event.Event{Type: t, Driver: driver, TimestampMillis: millis, Source: source, Payload: p}
	}

	switch topic {
	case SRDriverList:
		return n.driverList(merged, mkEv), nil
	case SRTimingData:
		return n.timingData(update, mkEv), nil
	case SRTimingAppData:
		return n.timingAppData(update, mkEv), nil
	case SRSessionInfo:
		return n.sessionInfo(merged, mkEv), nil
	case SRSessionStatus:
		return n.sessionStatus(merged, mkEv), nil
	case SRTrackStatus:
		return n.trackStatus(merged, mkEv), nil
	case SRRaceControlMessages:
		return n.raceControl(merged, mkEv), nil
	case SRWeatherData:
		return n.weather(merged, mkEv), nil
	case SRExtrapolatedClock:
		return n.clock(merged, mkEv), nil
	case SRLapCount:
		return n.lapCount(merged, mkEv), nil
	case SRTeamRadio:
		return n.teamRadio(merged, mkEv), nil
	case SRSessionData:
		return []event.Event{mkEv(event.TypeSessionData, 0,
			event.SessionDataPayload{Raw: append(json.RawMessage(nil), payload...)})}, nil
	case SRHeartbeat, SRTimingStats:
		return nil, nil
	default:
		return []event.Event{mkEv(event.TypeUnknown, 0,
			event.UnknownPayload{Topic: topic, Raw: append(json.RawMessage(nil), payload...)})}, nil
	}
}

type mkFunc func(event.Type, int, event.Payload) event.Event

func (n *SignalR) driverList(m map[string]any, mkEv mkFunc) []event.Event {
	var infos []event.DriverInfo
	for num, v := range m {
		d, ok := v.(map[string]any)
		if !ok {
			continue
		}
		number, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		infos = append(infos, event.DriverInfo{
			Number:      number,
			Acronym:     getString(d, "Tla"),
			FullName:    getString(d, "FullName"),
			Team:        getString(d, "TeamName"),
			TeamColour:  getString(d, "TeamColour"),
			HeadshotURL: getString(d, "HeadshotUrl"),
		})
	}
	if len(infos) == 0 {
		return nil
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Number < infos[j].Number })
	return []event.Event{mkEv(event.TypeDrivers, 0, event.DriversPayload{Drivers: infos})}
}

// timingData fans out per-driver lap, interval and position updates. It
// walks the incremental update (not the accumulated shape) so that only
// drivers the message touched emit events, but reads merged per-driver
// lines so partial updates see full context.
func (n *SignalR) timingData(update map[string]any, mkEv mkFunc) []event.Event {
	updated, ok := getMap(update, "Lines")
	if !ok {
		return nil
	}
	merged, _ := getMap(n.acc[SRTimingData], "Lines")
	var events []event.Event
	for num := range updated {
		driver, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		line, ok := getMap(merged, num)
		if !ok {
			continue
		}
		if ev, ok := timingLap(line, driver, mkEv); ok {
			events = append(events, ev)
		}
		if ev, ok := timingInterval(line, driver, mkEv); ok {
			events = append(events, ev)
		}
		if pos, ok := getInt(line, "Position"); ok && pos > 0 {
			events = append(events, mkEv(event.TypePosition, driver, event.PositionPayload{Position: pos}))
		}
	}
	return events
}

func timingLap(line map[string]any, driver int, mkEv mkFunc) (event.Event, bool) {
	lapNum, ok := getInt(line, "NumberOfLaps")
	if !ok || lapNum <= 0 {
		return event.Event{}, false
	}
	p := event.LapPayload{Lap: lapNum}
	if last, ok := getMap(line, "LastLapTime"); ok {
		if d, ok := parseLapTime(getString(last, "Value")); ok {
			p.Duration = &d
		}
	}
	if sectors, ok := getMap(line, "Sectors"); ok {
		for idx, dst := range map[string]**float64{"0": &p.Sector1, "1": &p.Sector2, "2": &p.Sector3} {
			sec, ok := getMap(sectors, idx)
			if !ok {
				continue
			}
			if v, ok := getFloat(sec, "Value"); ok && v > 0 {
				val := v
				*dst = &val
			}
			segs := segmentStatuses(sec)
			switch idx {
			case "0":
				p.Segments1 = segs
			case "1":
				p.Segments2 = segs
			case "2":
				p.Segments3 = segs
			}
		}
	}
	if speeds, ok := getMap(line, "Speeds"); ok {
		for key, dst := range map[string]**float64{"I1": &p.I1Speed, "I2": &p.I2Speed, "ST": &p.STSpeed} {
			if trap, ok := getMap(speeds, key); ok {
				if v, ok := getFloat(trap, "Value"); ok && v > 0 {
					val := v
					*dst = &val
				}
			}
		}
	}
	if pitOut, ok := getBool(line, "PitOut"); ok {
		p.IsPitOutLap = pitOut
	}
	return mkEv(event.TypeLap, driver, p), true
}

func timingInterval(line map[string]any, driver int, mkEv mkFunc) (event.Event, bool) {
	p := event.IntervalPayload{}
	found := false
	if gap := getString(line, "GapToLeader"); gap != "" {
		p.GapToLeader = parseGap(gap)
		found = true
	}
	if iv, ok := getMap(line, "IntervalToPositionAhead"); ok {
		if v := getString(iv, "Value"); v != "" {
			p.IntervalToAhead = parseGap(v)
			found = true
		}
	}
	if !found {
		return event.Event{}, false
	}
	return mkEv(event.TypeInterval, driver, p), true
}

// segmentStatuses flattens the keyed Segments map into an ordered int array.
func segmentStatuses(sector map[string]any) []int {
	segs, ok := getMap(sector, "Segments")
	if !ok {
		return nil
	}
	idxs := make([]int, 0, len(segs))
	for k := range segs {
		if i, err := strconv.Atoi(k); err == nil {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		return nil
	}
	sort.Ints(idxs)
	out := make([]int, idxs[len(idxs)-1]+1)
	for _, i := range idxs {
		if seg, ok := getMap(segs, strconv.Itoa(i)); ok {
			if status, ok := getInt(seg, "Status"); ok {
				out[i] = status
			}
		}
	}
	return out
}

func (n *SignalR) timingAppData(update map[string]any, mkEv mkFunc) []event.Event {
	updated, ok := getMap(update, "Lines")
	if !ok {
		return nil
	}
	merged, _ := getMap(n.acc[SRTimingAppData], "Lines")
	var events []event.Event
	for num := range updated {
		driver, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		line, ok := getMap(merged, num)
		if !ok {
			continue
		}
		stints, ok := getMap(line, "Stints")
		if !ok {
			continue
		}
		// The highest-numbered stint is the current one.
		bestIdx := -1
		for k := range stints {
			if i, err := strconv.Atoi(k); err == nil && i > bestIdx {
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			continue
		}
		stint, ok := getMap(stints, strconv.Itoa(bestIdx))
		if !ok {
			continue
		}
		p := event.StintPayload{
			Compound:    getString(stint, "Compound"),
			StintNumber: bestIdx + 1,
		}
		if v, ok := getInt(stint, "StartLaps"); ok {
			p.TyreAgeAtStart = v
		}
		if v, ok := getInt(stint, "TotalLaps"); ok {
			total := v
			p.TotalLaps = &total
		}
		if v, ok := getInt(stint, "LapNumber"); ok {
			p.LapStart = v
		}
		events = append(events, mkEv(event.TypeStint, driver, p))
	}
	return events
}

func (n *SignalR) sessionInfo(m map[string]any, mkEv mkFunc) []event.Event {
	key, ok := getFloat(m, "Key")
	if !ok {
		return nil
	}
	p := event.SessionPayload{
		SessionKey:  int64(key),
		SessionType: normalizeSessionType(getString(m, "Type")),
		SessionName: getString(m, "Name"),
		DateStart:   ParseISOMillis(getString(m, "StartDate")),
		DateEnd:     ParseISOMillis(getString(m, "EndDate")),
	}
	if meeting, ok := getMap(m, "Meeting"); ok {
		if mk, ok := getFloat(meeting, "Key"); ok {
			p.MeetingKey = int64(mk)
		}
		if circuit, ok := getMap(meeting, "Circuit"); ok {
			p.TrackName = getString(circuit, "ShortName")
		}
	}
	return []event.Event{mkEv(event.TypeSession, 0, p)}
}

func (n *SignalR) sessionStatus(m map[string]any, mkEv mkFunc) []event.Event {
	switch getString(m, "Status") {
	case "Finalised", "Ends":
		return []event.Event{mkEv(event.TypeSession, 0, event.SessionPayload{Ended: true})}
	default:
		return nil
	}
}

// trackStatus maps the numeric track status to a race-control flag event.
func (n *SignalR) trackStatus(m map[string]any, mkEv mkFunc) []event.Event {
	status := getString(m, "Status")
	message := getString(m, "Message")
	var flag, category string
	switch status {
	case "1":
		flag = "GREEN"
	case "2":
		flag = "YELLOW"
	case "4":
		category = "SafetyCar"
	case "5":
		flag = "RED"
	case "6", "7":
		category = "SafetyCar" // virtual safety car phases
	default:
		return nil
	}
	return []event.Event{mkEv(event.TypeRaceControl, 0, event.RaceControlPayload{
		Category: category,
		Flag:     flag,
		Message:  message,
	})}
}

// raceControl emits only messages not yet fanned out. The merged Messages
// array replaces wholesale on every update, so a high-water mark suffices.
func (n *SignalR) raceControl(m map[string]any, mkEv mkFunc) []event.Event {
	raw, ok := m["Messages"]
	if !ok {
		return nil
	}
	msgs := messageSlice(raw)
	if len(msgs) <= n.emittedRC {
		return nil
	}
	var events []event.Event
	for _, msg := range msgs[n.emittedRC:] {
		p := event.RaceControlPayload{
			Category: getString(msg, "Category"),
			Flag:     getString(msg, "Flag"),
			Scope:    getString(msg, "Scope"),
			Message:  getString(msg, "Message"),
		}
		if lap, ok := getInt(msg, "Lap"); ok {
			p.Lap = &lap
		}
		if num, ok := getInt(msg, "RacingNumber"); ok {
			p.Driver = &num
		}
		events = append(events, mkEv(event.TypeRaceControl, 0, p))
	}
	n.emittedRC = len(msgs)
	return events
}

func (n *SignalR) weather(m map[string]any, mkEv mkFunc) []event.Event {
	p := event.WeatherPayload{}
	set := false
	assign := func(key string, dst **float64) {
		if v, ok := getFloat(m, key); ok {
			val := v
			*dst = &val
			set = true
		}
	}
	assign("AirTemp", &p.AirTemp)
	assign("TrackTemp", &p.TrackTemp)
	assign("Humidity", &p.Humidity)
	assign("WindSpeed", &p.WindSpeed)
	assign("WindDirection", &p.WindDir)
	assign("Pressure", &p.Pressure)
	if rain, ok := getBool(m, "Rainfall"); ok {
		p.Rainfall = &rain
		set = true
	}
	if !set {
		return nil
	}
	return []event.Event{mkEv(event.TypeWeather, 0, p)}
}

func (n *SignalR) clock(m map[string]any, mkEv mkFunc) []event.Event {
	remaining, ok := parseClockRemaining(getString(m, "Remaining"))
	if !ok {
		return nil
	}
	running := true
	if extrapolating, ok := getBool(m, "Extrapolating"); ok {
		running = extrapolating
	}
	return []event.Event{mkEv(event.TypeClock, 0, event.ClockPayload{
		RemainingMillis: remaining,
		Running:         running,
	})}
}

func (n *SignalR) lapCount(m map[string]any, mkEv mkFunc) []event.Event {
	cur, ok := getInt(m, "CurrentLap")
	if !ok {
		return nil
	}
	p := event.LapCountPayload{CurrentLap: cur}
	if total, ok := getInt(m, "TotalLaps"); ok {
		p.TotalLaps = total
	}
	return []event.Event{mkEv(event.TypeLapCount, 0, p)}
}

func (n *SignalR) teamRadio(m map[string]any, mkEv mkFunc) []event.Event {
	raw, ok := m["Captures"]
	if !ok {
		return nil
	}
	captures := messageSlice(raw)
	if len(captures) <= n.emittedRadio {
		return nil
	}
	var events []event.Event
	for _, c := range captures[n.emittedRadio:] {
		driver, _ := getInt(c, "RacingNumber")
		events = append(events, mkEv(event.TypeTeamRadio, driver, event.TeamRadioPayload{
			URL: getString(c, "Path"),
		}))
	}
	n.emittedRadio = len(captures)
	return events
}

// messageSlice accepts both a JSON array and the keyed-map form SignalR
// uses for incremental array updates.
func messageSlice(raw any) []map[string]any {
	switch v := raw.(type) {
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		idxs := make([]int, 0, len(v))
		for k := range v {
			if i, err := strconv.Atoi(k); err == nil {
				idxs = append(idxs, i)
			}
		}
		sort.Ints(idxs)
		out := make([]map[string]any, 0, len(idxs))
		for _, i := range idxs {
			if m, ok := v[strconv.Itoa(i)].(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

// parseLapTime parses "1:23.456" or "83.456" into seconds.
func parseLapTime(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	var minutes float64
	rest := s
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			m, err := strconv.ParseFloat(s[:i], 64)
			if err != nil {
				return 0, false
			}
			minutes = m
			rest = s[i+1:]
			break
		}
	}
	secs, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return 0, false
	}
	return minutes*60 + secs, true
}

// parseGap turns "+1.234", "1.234" or "1 L"/"+1 LAP" into a GapValue.
func parseGap(s string) event.GapValue {
	trimmed := s
	if len(trimmed) > 0 && trimmed[0] == '+' {
		trimmed = trimmed[1:]
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return event.GapValue{Seconds: &f}
	}
	return event.GapValue{Laps: s}
}

func normalizeSessionType(t string) string {
	switch t {
	case "Race":
		return "race"
	case "Sprint":
		return "sprint"
	case "Qualifying", "Sprint Shootout":
		return "qualifying"
	case "Practice":
		return "practice"
	default:
		if t == "" {
			return ""
		}
		return "practice"
	}
}
