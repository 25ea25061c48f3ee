package main

import (
	"fmt"
	"strings"
)

type table struct {
	data    [][]string
	written int
}

func newTable(headers ...string) *table {
	return &table{data: [][]string{headers}}
}

func (t *table) add(cells ...string) *table {
	t.data = append(t.data, cells)
	return t
}

func (t *table) string() string {
	// get max cell lengths
	lengths := make([]int, len(t.data[0]))
	for _, row := range t.data {
		for i, cell := range row {
			lengths[i] = max(lengths[i], len(cell))
		}
	}

	// construct string
	var buf strings.Builder
	for _, row := range t.data {
		for i, cell := range row {
			buf.WriteString(cell)
			if i < len(row)-1 {
				buf.WriteString(strings.Repeat(" ", lengths[i]-len(cell)+3))
			}
		}
		buf.WriteString("\n")
	}

	return buf.String()
}

func (t *table) show() {
	// move cursor up the amount of written lines
	if t.written > 0 {
		fmt.Printf("\033[%dA", t.written)
	}

	// print table
	fmt.Print(t.string())
	t.written = len(t.data)
}

func (t *table) reset() {
	t.data = t.data[:1]
}
