// Package config loads the static YAML source list the cmd/lxstreamer
// binary accepts via --config; the streamer library itself has no file
// format of its own.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xaionaro-go/lxstreamer/demux"
	"github.com/xaionaro-go/lxstreamer/encoding"
	"github.com/xaionaro-go/lxstreamer/source"
	"github.com/xaionaro-go/lxstreamer/writer"
)

// File is the top-level shape of a --config YAML document.
type File struct {
	Port    uint16   `yaml:"Port,omitempty"`
	HTTPS   bool     `yaml:"HTTPS,omitempty"`
	CertPEM string   `yaml:"CertPEM,omitempty"`
	KeyPEM  string   `yaml:"KeyPEM,omitempty"`
	AppDir  string   `yaml:"AppDir,omitempty"`
	Sources []Source `yaml:"Sources,omitempty"`
}

// Source mirrors source.Args plus an optional Record block, in the
// YAML-friendly shape a human edits by hand.
type Source struct {
	Name            string `yaml:"Name"`
	URL             string `yaml:"URL"`
	AuthSession     string `yaml:"AuthSession,omitempty"`
	PreferredFormat string `yaml:"PreferredFormat,omitempty"`
	VideoSpeedClock bool   `yaml:"VideoSpeedClock,omitempty"`

	View   *EncodingPair `yaml:"View,omitempty"`
	Record *Record       `yaml:"Record,omitempty"`
}

// EncodingPair is the YAML shape of an encoding.Pair.
type EncodingPair struct {
	Video *Encoding `yaml:"Video,omitempty"`
	Audio *Encoding `yaml:"Audio,omitempty"`
}

// Encoding is the YAML shape of an encoding.Encoding.
type Encoding struct {
	Codec          string `yaml:"Codec,omitempty"`
	Width          int    `yaml:"Width,omitempty"`
	Height         int    `yaml:"Height,omitempty"`
	MaxBitrateKbps int    `yaml:"MaxBitrateKbps,omitempty"`
	FrameRate      int    `yaml:"FrameRate,omitempty"`
	SampleRate     int    `yaml:"SampleRate,omitempty"`
	SampleFmt      string `yaml:"SampleFmt,omitempty"`
	ChannelLayout  string `yaml:"ChannelLayout,omitempty"`
}

// Record is the YAML shape of an automatically-started recording.
type Record struct {
	Encoding         *EncodingPair `yaml:"Encoding,omitempty"`
	RecordAudio      bool          `yaml:"RecordAudio,omitempty"`
	Path             string        `yaml:"Path,omitempty"`
	PreferredFormat  string        `yaml:"PreferredFormat,omitempty"`
	SizeCapMB        int64         `yaml:"SizeCapMB,omitempty"`
	DurationCapSec   int64         `yaml:"DurationCapSec,omitempty"`
	WriteIntervalSec int64         `yaml:"WriteIntervalSec,omitempty"`
}

// Load reads and parses path into a File.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &f, nil
}

func (e *Encoding) toEncoding() encoding.Encoding {
	if e == nil {
		return encoding.Encoding{}
	}
	return encoding.Encoding{
		Codec:          encoding.Codec(e.Codec),
		Width:          e.Width,
		Height:         e.Height,
		MaxBitrateKbps: e.MaxBitrateKbps,
		FrameRate:      float64(e.FrameRate),
		SampleRate:     e.SampleRate,
		SampleFmt:      e.SampleFmt,
		ChannelLayout:  e.ChannelLayout,
	}
}

func (p *EncodingPair) toPair() encoding.Pair {
	if p == nil {
		return encoding.Pair{}
	}
	return encoding.Pair{
		Video: p.Video.toEncoding(),
		Audio: p.Audio.toEncoding(),
	}
}

// ToSourceArgs converts a YAML Source entry into source.Args.
func (s Source) ToSourceArgs() source.Args {
	speedClock := demux.SpeedClockPerStream
	if s.VideoSpeedClock {
		speedClock = demux.SpeedClockVideoMaster
	}
	return source.Args{
		Name:            s.Name,
		URL:             s.URL,
		AuthSession:     s.AuthSession,
		ViewEncoding:    s.View.toPair(),
		RecordEncoding:  s.recordPair(),
		RecordAudio:     s.Record != nil && s.Record.RecordAudio,
		PreferredFormat: s.PreferredFormat,
		SpeedClockMode:  speedClock,
	}
}

func (s Source) recordPair() encoding.Pair {
	if s.Record == nil {
		return encoding.Pair{}
	}
	return s.Record.Encoding.toPair()
}

// ToRecordOptions converts a YAML Record block into writer.RecordOptions,
// reporting ok=false if the source has no Record block configured.
func (s Source) ToRecordOptions() (writer.RecordOptions, bool) {
	if s.Record == nil {
		return writer.RecordOptions{}, false
	}
	return writer.RecordOptions{
		Path:            s.Record.Path,
		PreferredFormat: s.Record.PreferredFormat,
		SizeCapBytes:    s.Record.SizeCapMB * 1024 * 1024,
		DurationCap:     time.Duration(s.Record.DurationCapSec) * time.Second,
		WriteInterval:   time.Duration(s.Record.WriteIntervalSec) * time.Second,
	}, true
}
