// Command winwatch exposes Windows file-system, registry and process change
// events. "winwatch run" supervises the monitors listed in a YAML
// configuration file, journals their events and serves a status API; the
// file, registry and process subcommands watch a single source and print each
// event as a JSON line.
package main

func main() {
	Execute()
}
