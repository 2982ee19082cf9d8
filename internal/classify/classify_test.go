package classify

import (
	"testing"

	"github.com/jkaninda/vizbox/internal/workspace"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Result
	}{
		{
			name:    "plain print program",
			content: "print('hello')\n",
			want:    Result{Kind: Plain},
		},
		{
			name:    "pygame import",
			content: "import pygame\npygame.init()\n",
			want:    Result{Kind: Graphical, Library: "pygame"},
		},
		{
			name:    "pygame from import",
			content: "from pygame.locals import QUIT\n",
			want:    Result{Kind: Graphical, Library: "pygame"},
		},
		{
			name:    "tkinter",
			content: "import tkinter as tk\nroot = tk.Tk()\n",
			want:    Result{Kind: Graphical, Library: "tkinter"},
		},
		{
			name:    "turtle",
			content: "import turtle\nturtle.forward(100)\n",
			want:    Result{Kind: Graphical, Library: "turtle"},
		},
		{
			name:    "matplotlib",
			content: "import matplotlib.pyplot as plt\n",
			want:    Result{Kind: Graphical, Library: "matplotlib"},
		},
		{
			name:    "mention in a comment only",
			content: "# no pygame here, honest\nprint('x')\n",
			want:    Result{Kind: Plain},
		},
		{
			name:    "mention in a string literal",
			content: "print('I wish I had import pygame')\n",
			want:    Result{Kind: Plain},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify([]workspace.File{{Name: "main.py", Content: tc.content}})
			if got != tc.want {
				t.Errorf("Classify = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestClassifyScansAllFiles(t *testing.T) {
	files := []workspace.File{
		{Name: "main.py", Content: "from engine import run\nrun()\n"},
		{Name: "engine.py", Content: "import pygame\n\ndef run():\n    pass\n"},
	}
	got := Classify(files)
	if !got.NeedsDisplay() || got.Library != "pygame" {
		t.Errorf("Classify = %+v, want Graphical(pygame)", got)
	}
}

func TestClassifyPygameWinsOverTkinter(t *testing.T) {
	files := []workspace.File{
		{Name: "a.py", Content: "import tkinter\n"},
		{Name: "b.py", Content: "import pygame\n"},
	}
	if got := Classify(files); got.Library != "pygame" {
		t.Errorf("library = %q, want pygame", got.Library)
	}
}
