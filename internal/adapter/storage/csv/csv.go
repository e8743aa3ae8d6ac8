// Package csv implements the boot-time load and shutdown-time save of
// the model registry's persisted entities (spec.md §6): groups.csv,
// chargers.csv, tags.csv, users.csv, plus the append-only sessions.csv
// history log. encoding/csv is used directly — no third-party CSV library
// exists anywhere in the example corpus for this concern (see DESIGN.md).
package csv

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/service/admin"
	"github.com/balanzlc/balanz/internal/service/schedule"
)

// groups.csv columns: id,parent_id,description,schedule,suspended
func LoadGroups(path string) (map[string]*domain.Group, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Group, len(rows))
	for i, row := range rows {
		if len(row) < 5 {
			return nil, fmt.Errorf("groups.csv row %d: expected 5 columns, got %d", i, len(row))
		}
		g := &domain.Group{ID: row[0], ParentID: row[1], Description: row[2]}
		if strings.TrimSpace(row[3]) != "" {
			sched, err := schedule.Parse(row[3])
			if err != nil {
				return nil, fmt.Errorf("groups.csv row %d (%s): %w", i, row[0], err)
			}
			g.Schedule = sched
		}
		g.Suspended = parseBool(row[4])
		out[g.ID] = g
	}
	return out, nil
}

func SaveGroups(path string, groups map[string]*domain.Group) error {
	var rows [][]string
	for _, g := range groups {
		schedText := ""
		if g.Schedule != nil {
			schedText = g.Schedule.Raw
		}
		rows = append(rows, []string{g.ID, g.ParentID, g.Description, schedText, strconv.FormatBool(g.Suspended)})
	}
	return writeRows(path, rows)
}

// chargers.csv columns:
// id,alias,group_id,conn_max,priority,auth_key_sha,auth_key_ref,firmware_version,vendor,model,connectors
func LoadChargers(path string) (map[string]*domain.Charger, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Charger, len(rows))
	for i, row := range rows {
		if len(row) < 11 {
			return nil, fmt.Errorf("chargers.csv row %d: expected 11 columns, got %d", i, len(row))
		}
		connMax, err := strconv.Atoi(row[3])
		if err != nil {
			return nil, fmt.Errorf("chargers.csv row %d (%s): bad conn_max: %w", i, row[0], err)
		}
		priority, err := strconv.Atoi(row[4])
		if err != nil {
			return nil, fmt.Errorf("chargers.csv row %d (%s): bad priority: %w", i, row[0], err)
		}
		numConnectors, err := strconv.Atoi(row[10])
		if err != nil {
			return nil, fmt.Errorf("chargers.csv row %d (%s): bad connectors: %w", i, row[0], err)
		}
		c := &domain.Charger{
			ID: row[0], Alias: row[1], GroupID: row[2],
			ConnMax: connMax, Priority: priority,
			AuthKeySHA: row[5], AuthKeyRef: row[6],
			FirmwareVersion: row[7], Vendor: row[8], Model: row[9],
			Connectors: make(map[int]*domain.Connector, numConnectors),
		}
		for idx := 1; idx <= numConnectors; idx++ {
			c.Connectors[idx] = &domain.Connector{Index: idx, Status: domain.StatusUnknown}
		}
		out[c.ID] = c
	}
	return out, nil
}

func SaveChargers(path string, chargers map[string]*domain.Charger) error {
	var rows [][]string
	for _, c := range chargers {
		rows = append(rows, []string{
			c.ID, c.Alias, c.GroupID,
			strconv.Itoa(c.ConnMax), strconv.Itoa(c.Priority),
			c.AuthKeySHA, c.AuthKeyRef,
			c.FirmwareVersion, c.Vendor, c.Model,
			strconv.Itoa(len(c.Connectors)),
		})
	}
	return writeRows(path, rows)
}

// tags.csv columns: id,status,parent_id_tag,priority_override
func LoadTags(path string) (map[string]*domain.Tag, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Tag, len(rows))
	for i, row := range rows {
		if len(row) < 4 {
			return nil, fmt.Errorf("tags.csv row %d: expected 4 columns, got %d", i, len(row))
		}
		t := &domain.Tag{ID: row[0], Status: domain.TagStatus(row[1]), ParentIDTag: row[2]}
		if strings.TrimSpace(row[3]) != "" {
			v, err := strconv.Atoi(row[3])
			if err != nil {
				return nil, fmt.Errorf("tags.csv row %d (%s): bad priority_override: %w", i, row[0], err)
			}
			t.PriorityOverride = &v
		}
		out[t.ID] = t
	}
	return out, nil
}

func SaveTags(path string, tags map[string]*domain.Tag) error {
	var rows [][]string
	for _, t := range tags {
		override := ""
		if t.PriorityOverride != nil {
			override = strconv.Itoa(*t.PriorityOverride)
		}
		rows = append(rows, []string{t.ID, string(t.Status), t.ParentIDTag, override})
	}
	return writeRows(path, rows)
}

// users.csv columns: id,password_sha256,role
func LoadUsers(path string) (*admin.UserStore, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	store := admin.NewUserStore()
	for i, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("users.csv row %d: expected 3 columns, got %d", i, len(row))
		}
		store.Put(&domain.User{ID: row[0], PasswordSHA256: row[1], Role: domain.ParseRole(row[2])})
	}
	return store, nil
}

func parseBool(s string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(s))
	return v
}

func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewError(domain.KindConfig, "readRows", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, domain.NewError(domain.KindConfig, "readRows", fmt.Errorf("%s: %w", path, err))
	}
	return rows, nil
}

func writeRows(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return domain.NewError(domain.KindConfig, "writeRows", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return domain.NewError(domain.KindConfig, "writeRows", fmt.Errorf("%s: %w", path, err))
	}
	w.Flush()
	return w.Error()
}

// SessionHistoryWriter appends one row per closed session to sessions.csv
// (spec.md §6): session_id, charger_id, charger_alias, group_id, id_tag,
// user_name, stop_id_tag, start_time, end_time, duration, energy,
// stop_reason, history — where history is a ';'-joined list of
// "TIMESTAMP=NA" tuples (N an integer amperage or the literal "None").
type SessionHistoryWriter struct {
	path string
}

func NewSessionHistoryWriter(path string) *SessionHistoryWriter {
	return &SessionHistoryWriter{path: path}
}

// Append writes one closed-session row, flushing immediately: the
// non-goal "no storage-engine durability guarantees beyond append-and-flush"
// means this is the file's only safety net.
func (w *SessionHistoryWriter) Append(s *domain.Session, chargerAlias, groupID string) error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return domain.NewError(domain.KindTransient, "SessionHistoryWriter.Append", err)
	}
	defer f.Close()

	duration := s.StopTime.Sub(s.StartTime)
	row := []string{
		s.ID, s.ChargerID, chargerAlias, groupID, s.IDTag,
		s.IDTag, s.StopIDTag,
		s.StartTime.Format(time.RFC3339), s.StopTime.Format(time.RFC3339),
		duration.String(), strconv.FormatFloat(s.EnergyWh, 'f', 2, 64),
		s.StopReason, historyText(s.History),
	}

	csvWriter := csv.NewWriter(f)
	if err := csvWriter.Write(row); err != nil {
		return domain.NewError(domain.KindTransient, "SessionHistoryWriter.Append", err)
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

func historyText(steps []domain.OfferStep) string {
	parts := make([]string, 0, len(steps))
	for _, st := range steps {
		amps := "None"
		if st.OfferA >= 0 {
			amps = strconv.Itoa(st.OfferA)
		}
		parts = append(parts, fmt.Sprintf("%s=%s", st.At.Format(time.RFC3339), amps))
	}
	return strings.Join(parts, ";")
}
