package ptyfactory

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewConsumerProducerPair(t *testing.T) {
	consumer, err := NewConsumer()
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer unix.Close(consumer)

	producer, err := NewProducer(consumer)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer unix.Close(producer)

	if _, err := unix.IoctlGetTermios(producer, unix.TCGETS); err != nil {
		t.Fatalf("producer fd is not a terminal: %v", err)
	}
}

func TestPtyNumberNonNegative(t *testing.T) {
	consumer, err := NewConsumer()
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer unix.Close(consumer)

	n, err := ptyNumber(consumer)
	if err != nil {
		t.Fatalf("ptyNumber: %v", err)
	}
	if n < 0 {
		t.Fatalf("ptyNumber = %d, want >= 0", n)
	}
}
