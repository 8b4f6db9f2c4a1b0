// Package tui provides the terminal user interface for SiteSmith.
package tui
