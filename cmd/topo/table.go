package main

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// printTable renders borderless, left-aligned columns the way the other
// list commands of the CLI do
func printTable(w io.Writer, headers []string, rows [][]string) {
	table := tablewriter.NewWriter(w)

	table.SetHeader(headers)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetRowLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("   ")
	table.SetNoWhiteSpace(true)
	table.SetAutoWrapText(false)

	table.AppendBulk(rows)
	table.Render()
}
