// Package collector holds the devices of a run and the command output
// captured from them, and writes that output as JSON, text files or
// database rows.
package collector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Vansh-Raja/SSHCollector/internal/db"
)

// ErrNoDatabase is returned by WriteDB without a store.
var ErrNoDatabase = errors.New("no database loaded")

// OutputStore persists captured outputs.
type OutputStore interface {
	SaveOutputs([]db.OutputModel) error
}

// CommandOutput is one captured command.
type CommandOutput struct {
	Output    string    `json:"output"`
	Timestamp time.Time `json:"-"`
	RunID     string    `json:"run_id"`
}

func (o CommandOutput) MarshalJSON() ([]byte, error) {
	type alias CommandOutput
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{alias(o), o.Timestamp.Format(db.TimestampLayout)})
}

type hostRecord struct {
	Device   Device                   `json:"settings"`
	Commands map[string]CommandOutput `json:"commands,omitempty"`
}

// Collector is the output consumer of one run. RunID stamps every capture.
type Collector struct {
	RunID string

	mu    sync.Mutex
	hosts map[string]*hostRecord
	now   func() time.Time
}

func New() *Collector {
	return &Collector{
		RunID: uuid.NewString(),
		hosts: make(map[string]*hostRecord),
		now:   time.Now,
	}
}

// AddHost registers a device under its name.
func (c *Collector) AddHost(d Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.hosts[d.Name]; ok {
		rec.Device = d
		return
	}
	c.hosts[d.Name] = &hostRecord{Device: d}
}

// AddCommand records output for host, registering the host when unknown.
// A repeated command replaces the earlier capture.
func (c *Collector) AddCommand(host, command, output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.hosts[host]
	if !ok {
		rec = &hostRecord{Device: Device{Name: host}}
		c.hosts[host] = rec
	}
	if rec.Commands == nil {
		rec.Commands = make(map[string]CommandOutput)
	}
	rec.Commands[command] = CommandOutput{
		Output:    output,
		Timestamp: c.now().Truncate(time.Second),
		RunID:     c.RunID,
	}
}

// Commands returns a copy of the captures of host.
func (c *Collector) Commands(host string) map[string]CommandOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.hosts[host]
	if !ok {
		return nil
	}
	out := make(map[string]CommandOutput, len(rec.Commands))
	for k, v := range rec.Commands {
		out[k] = v
	}
	return out
}

// Hosts returns the registered host names, sorted.
func (c *Collector) Hosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.hosts))
	for name := range c.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteJSON writes host -> {settings, commands} to path.
func (c *Collector) WriteJSON(path string) error {
	c.mu.Lock()
	b, err := json.MarshalIndent(c.hosts, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return err
	}
	log.Debugf("Writing JSON output to %s", path)
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0644)
}

// WriteTextFiles writes one <host>_<command>.log file per capture into dir.
func (c *Collector) WriteTextFiles(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, rec := range c.hosts {
		for command, out := range rec.Commands {
			path := filepath.Join(dir, TextFileName(host, command))
			if err := os.WriteFile(path, []byte(out.Output), 0644); err != nil {
				return errors.Wrapf(err, "failed to write %s", path)
			}
			log.Debugf("Write output to: %s", path)
		}
	}
	return nil
}

var fileNameReplacer = strings.NewReplacer(" ", "_", "/", "_", "\\", "_")

// TextFileName is the file a capture is written to.
func TextFileName(host, command string) string {
	return fileNameReplacer.Replace(host) + "_" + fileNameReplacer.Replace(command) + ".log"
}

// WriteDB saves the captures of database sourced devices. Devices without a
// database id are skipped.
func (c *Collector) WriteDB(store OutputStore) error {
	if store == nil {
		log.Error("Database object not loaded! Did not save data to database!")
		return ErrNoDatabase
	}
	c.mu.Lock()
	var outputs []db.OutputModel
	for host, rec := range c.hosts {
		if len(rec.Commands) == 0 {
			continue
		}
		if rec.Device.DBID == 0 {
			log.Warnf("Host %s has no database id, output not saved to database", host)
			continue
		}
		for command, out := range rec.Commands {
			outputs = append(outputs, db.OutputModel{
				DeviceID:  rec.Device.DBID,
				Command:   command,
				Timestamp: out.Timestamp,
				Output:    out.Output,
				RunID:     out.RunID,
			})
		}
	}
	c.mu.Unlock()

	if len(outputs) == 0 {
		return nil
	}
	log.Debugf("Writing %d outputs to database", len(outputs))
	return store.SaveOutputs(outputs)
}
