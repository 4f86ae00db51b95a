// Package headless provides collaborators for the flow controller that
// run without a display: wall-clock scenes and media, and a UI that keeps
// its state in memory. They back the CLI play command, the scenario
// harness and the flow tests.
package headless
