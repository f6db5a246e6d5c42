// Package serial provides raw, unbuffered access to a Linux serial port with
// a bounded per-read timeout.
//
// Each Read polls the device and a self-pipe for at most the configured
// timeout. When nothing arrives Read returns ErrTimeout, whose Timeout method
// reports true, so a read loop can tell an idle line from a failed one.
// Close wakes a blocked Read through the self-pipe.
//
//	port, err := serial.Open(serial.Config{
//	    Device:      "/dev/ttyUSB0",
//	    BaudRate:    9600,
//	    ReadTimeout: 10 * time.Millisecond,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	buf := make([]byte, 256)
//	for {
//	    n, err := port.Read(buf)
//	    if errors.Is(err, serial.ErrTimeout) {
//	        continue
//	    }
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    os.Stdout.Write(buf[:n])
//	}
//
// Only Linux is supported; Open fails on other platforms.
package serial
