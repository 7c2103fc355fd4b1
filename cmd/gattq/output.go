package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/manager"
)

// isTerminal reports whether w is a terminal; only then colors and progress are shown.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type characteristicView struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties"`
}

type serviceView struct {
	UUID            string               `json:"uuid"`
	Characteristics []characteristicView `json:"characteristics"`
}

type peripheralView struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	State    string        `json:"state"`
	Services []serviceView `json:"services"`
}

type valueView struct {
	Peripheral     string `json:"peripheral"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Value          string `json:"value"`
	Error          string `json:"error,omitempty"`
}

type writeView struct {
	Peripheral     string `json:"peripheral"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Mode           string `json:"mode"`
	Bytes          int    `json:"bytes"`
}

type rssiView struct {
	Peripheral string `json:"peripheral"`
	RSSI       int    `json:"rssi"`
}

func newPeripheralView(p *device.Peripheral) peripheralView {
	view := peripheralView{ID: p.ID, Name: p.Name, State: p.State.String(), Services: []serviceView{}}
	for _, svc := range p.Services {
		sv := serviceView{UUID: svc.UUID, Characteristics: []characteristicView{}}
		for _, c := range svc.Characteristics {
			sv.Characteristics = append(sv.Characteristics, characteristicView{UUID: c.UUID, Properties: c.Properties.String()})
		}
		view.Services = append(view.Services, sv)
	}
	return view
}

func newNotificationView(n manager.Notification) valueView {
	view := valueView{
		Peripheral:     n.Peripheral,
		Service:        n.Service,
		Characteristic: n.Characteristic,
		Value:          hex.EncodeToString(n.Value),
	}
	if n.Err != nil {
		view.Error = n.Err.Error()
	}
	return view
}

// printer renders command results as text or as one JSON document per result.
type printer struct {
	w      io.Writer
	json   bool
	header *color.Color
	label  *color.Color
	faint  *color.Color
	// before runs ahead of the first output, to clear the progress line.
	before func()
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	colors := !asJSON && isTerminal(w)
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if colors {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return &printer{
		w:      w,
		json:   asJSON,
		header: mk(color.FgCyan, color.Bold),
		label:  mk(color.FgYellow),
		faint:  mk(color.Faint),
	}
}

func (p *printer) prepare() {
	if p.before != nil {
		p.before()
		p.before = nil
	}
}

func (p *printer) emitJSON(v any) error {
	p.prepare()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(p.w, string(data))
	return err
}

// Peripheral prints the peripheral and, when discovered, its GATT layout.
func (p *printer) Peripheral(periph *device.Peripheral) error {
	view := newPeripheralView(periph)
	if p.json {
		return p.emitJSON(view)
	}

	p.prepare()
	name := view.Name
	if name == "" {
		name = "unnamed"
	}
	p.header.Fprintf(p.w, "Peripheral %s", view.ID)
	fmt.Fprintf(p.w, " (%s) %s\n", name, view.State)
	for _, svc := range view.Services {
		p.label.Fprintf(p.w, "Service %s\n", svc.UUID)
		for _, c := range svc.Characteristics {
			fmt.Fprintf(p.w, "  %s", c.UUID)
			p.faint.Fprintf(p.w, "  %s\n", c.Properties)
		}
	}
	return nil
}

// Value prints one characteristic value; raw writes the bytes unformatted in text mode.
func (p *printer) Value(v valueView, data []byte, raw bool) error {
	if p.json {
		return p.emitJSON(v)
	}
	p.prepare()
	if raw {
		_, err := p.w.Write(data)
		return err
	}
	p.label.Fprintf(p.w, "%s", v.Characteristic)
	if v.Error != "" {
		_, err := fmt.Fprintf(p.w, ": error: %s\n", v.Error)
		return err
	}
	_, err := fmt.Fprintf(p.w, ": %s\n", strings.ToUpper(v.Value))
	return err
}

func (p *printer) Write(v writeView) error {
	if p.json {
		return p.emitJSON(v)
	}
	p.prepare()
	_, err := fmt.Fprintf(p.w, "Wrote %d bytes to %s (%s)\n", v.Bytes, v.Characteristic, v.Mode)
	return err
}

func (p *printer) RSSI(v rssiView) error {
	if p.json {
		return p.emitJSON(v)
	}
	p.prepare()
	_, err := fmt.Fprintf(p.w, "RSSI %d dBm\n", v.RSSI)
	return err
}

// Info prints a human-oriented status line; it is suppressed in JSON mode.
func (p *printer) Info(format string, args ...any) {
	if p.json {
		return
	}
	p.prepare()
	fmt.Fprintf(p.w, format+"\n", args...)
}
