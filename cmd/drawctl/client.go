package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"drawsync/assets"
	"drawsync/bridge"
	"drawsync/core"
	"drawsync/editor/headless"
	"drawsync/session"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type clientConfig struct {
	Session session.Config
	Name    string
	Timeout time.Duration
}

// client is one participant: a session, the bridge and a headless editor
// standing in for the canvas.
type client struct {
	cfg    clientConfig
	s      *session.Session
	bridge *bridge.Bridge
	editor *headless.Editor
	user   core.User
	out    io.Writer
}

func openClient(ctx context.Context, cfg clientConfig, out io.Writer, opts ...session.Option) (*client, error) {
	s, err := session.New(ctx, cfg.Session, opts...)
	if err != nil {
		return nil, err
	}

	c := &client{
		cfg:  cfg,
		s:    s,
		user: core.User{ID: ulid.Make().String(), Name: cfg.Name},
		out:  out,
	}
	c.editor = headless.New(c.user)
	c.bridge = bridge.New(s)

	if p := s.Transport(); p != nil {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		select {
		case <-p.Synced():
		case <-waitCtx.Done():
			s.Close()
			return nil, fmt.Errorf("join room %s: %w", cfg.Session.Room, waitCtx.Err())
		}
	}

	c.bridge.OnMount(c.editor)
	c.bridge.OnChangePresence(c.editor, c.user)
	return c, nil
}

// Close waits for background uploads and pushes pending edits before leaving
// the room.
func (c *client) Close(ctx context.Context) {
	c.bridge.Wait()
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()
	if err := c.s.Flush(flushCtx); err != nil {
		logrus.WithError(err).Warn("Some changes may not have reached the relay")
	}
	c.s.Close()
}

func (c *client) List() error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(c.bridge.Snapshot())
}

func readFile(path string) (assets.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return assets.File{}, err
	}
	return assets.File{Name: filepath.Base(path), Data: data}, nil
}

func (c *client) Insert(ctx context.Context, path string) error {
	f, err := readFile(path)
	if err != nil {
		return err
	}
	shape, err := c.bridge.InsertImage(ctx, c.editor, f, bridge.ImageOptions{Name: f.Name})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "inserted %s\n", shape.ID)
	return nil
}

func (c *client) Replace(ctx context.Context, shapeID, path string) error {
	f, err := readFile(path)
	if err != nil {
		return err
	}
	shape, err := c.bridge.ReplaceImage(ctx, shapeID, f, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "replaced %s asset=%s\n", shape.ID, shape.AssetID)
	return nil
}

// Watch keeps the editor in sync with the room and prints a summary line on
// every change until ctx is done.
func (c *client) Watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.bridge.Run(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return <-runErr
		case err := <-runErr:
			return err
		case <-c.editor.Changed():
			fmt.Fprintln(c.out, c.summary())
		}
	}
}

func (c *client) summary() string {
	content := c.editor.Content()
	names := make([]string, 0)
	for _, u := range c.editor.Collaborators() {
		name := u.Name
		if name == "" {
			name = u.ID
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s shapes=%d bindings=%d assets=%d users=[%s]",
		time.Now().Format(time.TimeOnly),
		len(content.Shapes), len(content.Bindings), len(content.Assets),
		strings.Join(names, " "))
}

const shellHelp = `commands:
  list                    print the room content
  insert <file>           insert an image or video
  replace <shape> <file>  point an image at a new file
  undo | redo             step through your own edits
  quit`

// Shell reads one command per line from in. Errors are printed and the shell
// carries on.
func (c *client) Shell(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(c.out)
			return sc.Err()
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch cmd, args := fields[0], fields[1:]; {
		case cmd == "quit" || cmd == "exit":
			return nil
		case cmd == "list":
			err = c.List()
		case cmd == "insert" && len(args) == 1:
			err = c.Insert(ctx, args[0])
		case cmd == "replace" && len(args) == 2:
			err = c.Replace(ctx, args[0], args[1])
		case cmd == "undo":
			if !c.bridge.OnUndo() {
				fmt.Fprintln(c.out, "nothing to undo")
			}
		case cmd == "redo":
			if !c.bridge.OnRedo() {
				fmt.Fprintln(c.out, "nothing to redo")
			}
		default:
			fmt.Fprintln(c.out, shellHelp)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}
