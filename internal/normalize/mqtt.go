// SPDX-License-Identifier: MIT

package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pitwall-hq/pitwall/internal/event"
)

// MQTT topic suffixes under the v1/ prefix.
const (
	TopicLocation    = "location"
	TopicLaps        = "laps"
	TopicSessions    = "sessions"
	TopicDrivers     = "drivers"
	TopicCarData     = "car_data"
	TopicIntervals   = "intervals"
	TopicPit         = "pit"
	TopicStints      = "stints"
	TopicPosition    = "position"
	TopicRaceControl = "race_control"
	TopicWeather     = "weather"
	TopicOvertakes   = "overtakes"
)

// MQTTTopics lists every subscribed topic suffix.
var MQTTTopics = []string{
	TopicLocation, TopicLaps, TopicSessions, TopicDrivers, TopicCarData,
	TopicIntervals, TopicPit, TopicStints, TopicPosition, TopicRaceControl,
	TopicWeather, TopicOvertakes,
}

// gapValue accepts a numeric gap, a lap-difference string, or null.
type gapValue struct {
	seconds *float64
	laps    string
}

func (g *gapValue) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		g.seconds = &f
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		g.laps = s
		return nil
	}
	return fmt.Errorf("gap value: unsupported literal %s", string(b))
}

func (g gapValue) value() event.GapValue {
	return event.GapValue{Seconds: g.seconds, Laps: g.laps}
}

type mqttLocation struct {
	DriverNumber int     `json:"driver_number"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Date         string  `json:"date"`
}

type mqttLap struct {
	DriverNumber    int      `json:"driver_number"`
	LapNumber       int      `json:"lap_number"`
	LapDuration     *float64 `json:"lap_duration"`
	DurationSector1 *float64 `json:"duration_sector_1"`
	DurationSector2 *float64 `json:"duration_sector_2"`
	DurationSector3 *float64 `json:"duration_sector_3"`
	SegmentsSector1 []int    `json:"segments_sector_1"`
	SegmentsSector2 []int    `json:"segments_sector_2"`
	SegmentsSector3 []int    `json:"segments_sector_3"`
	I1Speed         *float64 `json:"i1_speed"`
	I2Speed         *float64 `json:"i2_speed"`
	STSpeed         *float64 `json:"st_speed"`
	IsPitOutLap     bool     `json:"is_pit_out_lap"`
	DateStart       string   `json:"date_start"`
}

type mqttSession struct {
	SessionKey       int64  `json:"session_key"`
	MeetingKey       int64  `json:"meeting_key"`
	CircuitShortName string `json:"circuit_short_name"`
	SessionType      string `json:"session_type"`
	SessionName      string `json:"session_name"`
	DateStart        string `json:"date_start"`
	DateEnd          string `json:"date_end"`
}

type mqttDriver struct {
	DriverNumber int    `json:"driver_number"`
	NameAcronym  string `json:"name_acronym"`
	FullName     string `json:"full_name"`
	TeamName     string `json:"team_name"`
	TeamColour   string `json:"team_colour"`
	HeadshotURL  string `json:"headshot_url"`
}

type mqttCarData struct {
	DriverNumber int      `json:"driver_number"`
	Speed        *float64 `json:"speed"`
	DRS          *int     `json:"drs"`
	NGear        *int     `json:"n_gear"`
	Date         string   `json:"date"`
}

type mqttInterval struct {
	DriverNumber int      `json:"driver_number"`
	GapToLeader  gapValue `json:"gap_to_leader"`
	Interval     gapValue `json:"interval"`
	Date         string   `json:"date"`
}

type mqttPit struct {
	DriverNumber int      `json:"driver_number"`
	PitDuration  *float64 `json:"pit_duration"`
	LapNumber    int      `json:"lap_number"`
	Date         string   `json:"date"`
}

type mqttStint struct {
	DriverNumber   int    `json:"driver_number"`
	Compound       string `json:"compound"`
	StintNumber    int    `json:"stint_number"`
	LapStart       int    `json:"lap_start"`
	TyreAgeAtStart int    `json:"tyre_age_at_start"`
}

type mqttPosition struct {
	DriverNumber int    `json:"driver_number"`
	Position     int    `json:"position"`
	Date         string `json:"date"`
}

type mqttRaceControl struct {
	Category     string `json:"category"`
	Flag         string `json:"flag"`
	Scope        string `json:"scope"`
	Message      string `json:"message"`
	LapNumber    *int   `json:"lap_number"`
	DriverNumber *int   `json:"driver_number"`
	Date         string `json:"date"`
}

type mqttWeather struct {
	AirTemperature   *float64 `json:"air_temperature"`
	TrackTemperature *float64 `json:"track_temperature"`
	Humidity         *float64 `json:"humidity"`
	Rainfall         *float64 `json:"rainfall"`
	WindSpeed        *float64 `json:"wind_speed"`
	WindDirection    *float64 `json:"wind_direction"`
	Pressure         *float64 `json:"pressure"`
	Date             string   `json:"date"`
}

type mqttOvertake struct {
	OvertakingDriverNumber int    `json:"overtaking_driver_number"`
	OvertakenDriverNumber  int    `json:"overtaken_driver_number"`
	Position               int    `json:"position"`
	Date                   string `json:"date"`
}

// MQTT translates one published message into normalized events. The payload
// may be a single object or an array of objects; every element fans out to
// its own event. Unknown topics yield a single Unknown event.
func MQTT(topic string, payload []byte, nowMillis int64) ([]event.Event, error) {
	suffix := topic
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		suffix = topic[i+1:]
	}
	switch suffix {
	case TopicLocation:
		return decodeEach(payload, func(m mqttLocation) event.Event {
			return mk(event.TypeLocation, m.DriverNumber, tsOr(m.Date, nowMillis),
				event.LocationPayload{X: m.X, Y: m.Y})
		})
	case TopicLaps:
		return decodeEach(payload, func(m mqttLap) event.Event {
			return mk(event.TypeLap, m.DriverNumber, nowMillis, event.LapPayload{
				Lap:         m.LapNumber,
				Duration:    m.LapDuration,
				Sector1:     m.DurationSector1,
				Sector2:     m.DurationSector2,
				Sector3:     m.DurationSector3,
				Segments1:   m.SegmentsSector1,
				Segments2:   m.SegmentsSector2,
				Segments3:   m.SegmentsSector3,
				I1Speed:     m.I1Speed,
				I2Speed:     m.I2Speed,
				STSpeed:     m.STSpeed,
				IsPitOutLap: m.IsPitOutLap,
				DateStart:   ParseISOMillis(m.DateStart),
			})
		})
	case TopicSessions:
		return decodeEach(payload, func(m mqttSession) event.Event {
			return mk(event.TypeSession, 0, nowMillis, event.SessionPayload{
				SessionKey:  m.SessionKey,
				MeetingKey:  m.MeetingKey,
				TrackName:   m.CircuitShortName,
				SessionType: strings.ToLower(m.SessionType),
				SessionName: m.SessionName,
				DateStart:   ParseISOMillis(m.DateStart),
				DateEnd:     ParseISOMillis(m.DateEnd),
			})
		})
	case TopicDrivers:
		var list []mqttDriver
		if err := decodeList(payload, &list); err != nil {
			return nil, err
		}
		infos := make([]event.DriverInfo, 0, len(list))
		for _, d := range list {
			infos = append(infos, event.DriverInfo{
				Number:      d.DriverNumber,
				Acronym:     d.NameAcronym,
				FullName:    d.FullName,
				Team:        d.TeamName,
				TeamColour:  d.TeamColour,
				HeadshotURL: d.HeadshotURL,
			})
		}
		return []event.Event{mk(event.TypeDrivers, 0, nowMillis, event.DriversPayload{Drivers: infos})}, nil
	case TopicCarData:
		return decodeEach(payload, func(m mqttCarData) event.Event {
			return mk(event.TypeCarData, m.DriverNumber, tsOr(m.Date, nowMillis),
				event.CarDataPayload{Speed: m.Speed, DRS: m.DRS, Gear: m.NGear})
		})
	case TopicIntervals:
		return decodeEach(payload, func(m mqttInterval) event.Event {
			return mk(event.TypeInterval, m.DriverNumber, tsOr(m.Date, nowMillis),
				event.IntervalPayload{
					GapToLeader:     m.GapToLeader.value(),
					IntervalToAhead: m.Interval.value(),
				})
		})
	case TopicPit:
		return decodeEach(payload, func(m mqttPit) event.Event {
			return mk(event.TypePit, m.DriverNumber, tsOr(m.Date, nowMillis),
				event.PitPayload{LapNumber: m.LapNumber, PitDuration: m.PitDuration})
		})
	case TopicStints:
		return decodeEach(payload, func(m mqttStint) event.Event {
			return mk(event.TypeStint, m.DriverNumber, nowMillis, event.StintPayload{
				Compound:       m.Compound,
				StintNumber:    m.StintNumber,
				LapStart:       m.LapStart,
				TyreAgeAtStart: m.TyreAgeAtStart,
			})
		})
	case TopicPosition:
		return decodeEach(payload, func(m mqttPosition) event.Event {
			return mk(event.TypePosition, m.DriverNumber, tsOr(m.Date, nowMillis),
				event.PositionPayload{Position: m.Position})
		})
	case TopicRaceControl:
		return decodeEach(payload, func(m mqttRaceControl) event.Event {
			return mk(event.TypeRaceControl, 0, tsOr(m.Date, nowMillis),
				event.RaceControlPayload{
					Category: m.Category,
					Flag:     m.Flag,
					Scope:    m.Scope,
					Message:  m.Message,
					Lap:      m.LapNumber,
					Driver:   m.DriverNumber,
				})
		})
	case TopicWeather:
		return decodeEach(payload, func(m mqttWeather) event.Event {
			var rain *bool
			if m.Rainfall != nil {
				r := *m.Rainfall != 0
				rain = &r
			}
			return mk(event.TypeWeather, 0, tsOr(m.Date, nowMillis), event.WeatherPayload{
				AirTemp:   m.AirTemperature,
				TrackTemp: m.TrackTemperature,
				Humidity:  m.Humidity,
				Rainfall:  rain,
				WindSpeed: m.WindSpeed,
				WindDir:   m.WindDirection,
				Pressure:  m.Pressure,
			})
		})
	case TopicOvertakes:
		return decodeEach(payload, func(m mqttOvertake) event.Event {
			return mk(event.TypeOvertake, m.OvertakingDriverNumber, tsOr(m.Date, nowMillis),
				event.OvertakePayload{
					OvertakingDriver: m.OvertakingDriverNumber,
					OvertakenDriver:  m.OvertakenDriverNumber,
					Position:         m.Position,
				})
		})
	default:
		return []event.Event{mk(event.TypeUnknown, 0, nowMillis,
			event.UnknownPayload{Topic: topic, Raw: append(json.RawMessage(nil), payload...)})}, nil
	}
}

func mk(t event.Type, driver int, millis int64, p event.Payload) event.Event {
	return event.Event{
		Type:            t,
		Driver:          driver,
		TimestampMillis: millis,
		Source:          event.SourceMQTT,
		Payload:         p,
	}
}

func tsOr(iso string, fallback int64) int64 {
	if ms := ParseISOMillis(iso); ms != 0 {
		return ms
	}
	return fallback
}

// decodeList accepts both a JSON array and a single object.
func decodeList[T any](payload []byte, out *[]T) error {
	trimmed := strings.TrimLeft(string(payload), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(payload, out)
	}
	var one T
	if err := json.Unmarshal(payload, &one); err != nil {
		return err
	}
	*out = []T{one}
	return nil
}

func decodeEach[T any](payload []byte, f func(T) event.Event) ([]event.Event, error) {
	var list []T
	if err := decodeList(payload, &list); err != nil {
		return nil, err
	}
	events := make([]event.Event, 0, len(list))
	for _, m := range list {
		events = append(events, f(m))
	}
	return events, nil
}
