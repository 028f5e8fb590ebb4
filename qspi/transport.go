package qspi

// Transport is the serial flash controller underneath the sequencer. A
// command with a data phase is followed by exactly one Transmit or Receive
// carrying Length bytes.
type Transport interface {
	// Reinit deinitializes and initializes the controller. It also leaves
	// memory-mapped mode.
	Reinit() error

	Command(cmd *Command) error
	Transmit(data []byte) error
	Receive(data []byte) error

	// MemoryMapped switches the controller into direct read mode using cmd
	// as the read template.
	MemoryMapped(cmd *Command, cfg MemoryMappedConfig) error
}
