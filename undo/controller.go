// Package undo scopes undo and redo to durable drawing content.
package undo

import (
	"drawsync/replica"

	"github.com/sirupsen/logrus"
)

// Controller undoes and redoes local edits of shapes and bindings. Asset
// records and presence are never part of an undo step.
type Controller struct {
	um *replica.UndoManager
}

func NewController(doc *replica.Doc, shapes, bindings *replica.Map, opts ...replica.UndoOption) *Controller {
	return &Controller{
		um: replica.NewUndoManager(doc, []*replica.Map{shapes, bindings}, opts...),
	}
}

func (c *Controller) Undo() bool {
	ok := c.um.Undo()
	logrus.WithField("applied", ok).Debug("Undo")
	return ok
}

func (c *Controller) Redo() bool {
	ok := c.um.Redo()
	logrus.WithField("applied", ok).Debug("Redo")
	return ok
}

// StopCapturing closes the current undo group so the next local change
// becomes its own step.
func (c *Controller) StopCapturing() {
	c.um.StopCapturing()
}

func (c *Controller) CanUndo() bool {
	return c.um.CanUndo()
}

func (c *Controller) CanRedo() bool {
	return c.um.CanRedo()
}

// Close detaches the controller from the document.
func (c *Controller) Close() {
	c.um.Destroy()
}
