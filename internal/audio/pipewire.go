package audio

import (
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
)

// PipeWireStream drives PipeWire through a pw-cat pair targeted at explicit
// nodes. The client side of the audio transport uses it.
type PipeWireStream struct {
	capture  *exec.Cmd
	playback *exec.Cmd
	captureR io.ReadCloser
	playW    io.WriteCloser
}

// Node is one PipeWire graph node as reported by pw-dump.
type Node struct {
	ID          int
	Name        string
	Description string
	MediaClass  string
	Ports       int
}

type pwDumpObject struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	Info struct {
		Props map[string]any `json:"props"`
	} `json:"info"`
}

// DumpGraph lists the nodes of the live PipeWire graph, with port counts.
func DumpGraph() ([]Node, error) {
	out, err := exec.Command("pw-dump").Output()
	if err != nil {
		return nil, fmt.Errorf("pw-dump: %w", err)
	}
	return parseGraph(out)
}

func parseGraph(dump []byte) ([]Node, error) {
	var objects []pwDumpObject
	if err := json.Unmarshal(dump, &objects); err != nil {
		return nil, fmt.Errorf("parse pw-dump output: %w", err)
	}

	byID := make(map[int]*Node)
	var nodes []*Node
	for _, obj := range objects {
		if obj.Type != "PipeWire:Interface:Node" {
			continue
		}
		n := &Node{
			ID:          obj.ID,
			Name:        propString(obj.Info.Props, "node.name"),
			Description: propString(obj.Info.Props, "node.description"),
			MediaClass:  propString(obj.Info.Props, "media.class"),
		}
		byID[obj.ID] = n
		nodes = append(nodes, n)
	}
	for _, obj := range objects {
		if obj.Type != "PipeWire:Interface:Port" {
			continue
		}
		if nodeID, ok := propInt(obj.Info.Props, "node.id"); ok {
			if n, present := byID[nodeID]; present {
				n.Ports++
			}
		}
	}

	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = *n
	}
	return out, nil
}

func propString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func propInt(props map[string]any, key string) (int, bool) {
	switch v := props[key].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// ResolveNode picks a node by exact id when id > 0, otherwise by matching
// name or description against pattern.
func ResolveNode(nodes []Node, id int, pattern string) (Node, error) {
	if id > 0 {
		for _, n := range nodes {
			if n.ID == id {
				return n, nil
			}
		}
		return Node{}, fmt.Errorf("pipewire node id %d not found", id)
	}
	if pattern == "" {
		return Node{}, fmt.Errorf("no pipewire node selector given")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Node{}, fmt.Errorf("bad node pattern %q: %w", pattern, err)
	}
	for _, n := range nodes {
		if re.MatchString(n.Name) || re.MatchString(n.Description) {
			return n, nil
		}
	}
	return Node{}, fmt.Errorf("no pipewire node matches %q", pattern)
}

// Preflight verifies a session manager is answering and that the selected
// nodes expose ports. Without a manager pw-cat blocks forever on link
// negotiation, which reads as a dead channel.
func Preflight(captureNode, writeNode Node) error {
	if err := exec.Command("pw-cli", "info", "0").Run(); err != nil {
		return fmt.Errorf("pipewire core not reachable (is a session manager running?): %w", err)
	}
	if captureNode.Ports == 0 {
		return fmt.Errorf("capture node %d (%s) has no ports", captureNode.ID, captureNode.Name)
	}
	if writeNode.Ports == 0 {
		return fmt.Errorf("write node %d (%s) has no ports", writeNode.ID, writeNode.Name)
	}
	return nil
}

// NewPipeWireStream spawns pw-cat record/playback against the two nodes and
// wires our stream ports to them with pw-link.
func NewPipeWireStream(captureNode, writeNode Node) (*PipeWireStream, error) {
	format := []string{
		"--format", "s16",
		"--rate", strconv.Itoa(SampleRate),
		"--channels", "1",
	}

	captureArgs := append([]string{"--record", "--target", strconv.Itoa(captureNode.ID)}, format...)
	captureArgs = append(captureArgs, "-")
	capture := exec.Command("pw-cat", captureArgs...)
	captureR, err := capture.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pw-cat record stdout: %w", err)
	}
	if err := capture.Start(); err != nil {
		return nil, fmt.Errorf("start pw-cat record: %w", err)
	}

	playArgs := append([]string{"--playback", "--target", strconv.Itoa(writeNode.ID)}, format...)
	playArgs = append(playArgs, "-")
	playback := exec.Command("pw-cat", playArgs...)
	playW, err := playback.StdinPipe()
	if err != nil {
		capture.Process.Kill()
		return nil, fmt.Errorf("pw-cat playback stdin: %w", err)
	}
	if err := playback.Start(); err != nil {
		capture.Process.Kill()
		return nil, fmt.Errorf("start pw-cat playback: %w", err)
	}

	// pw-link is advisory: the session manager usually routes the targets
	// already, and a failed extra link must not kill the stream.
	exec.Command("pw-link", strconv.Itoa(captureNode.ID), "pw-cat").Run()
	exec.Command("pw-link", "pw-cat", strconv.Itoa(writeNode.ID)).Run()

	return &PipeWireStream{
		capture:  capture,
		playback: playback,
		captureR: captureR,
		playW:    playW,
	}, nil
}

func (s *PipeWireStream) Read(p []byte) (int, error)  { return s.captureR.Read(p) }
func (s *PipeWireStream) Write(p []byte) (int, error) { return s.playW.Write(p) }

func (s *PipeWireStream) Close() error {
	s.playW.Close()
	s.captureR.Close()
	if s.capture.Process != nil {
		s.capture.Process.Kill()
	}
	if s.playback.Process != nil {
		s.playback.Process.Kill()
	}
	s.capture.Wait()
	s.playback.Wait()
	return nil
}
