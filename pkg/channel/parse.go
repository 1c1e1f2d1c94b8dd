package channel

import "time"

// CommandParseResponse runs Command and then parses the response body
// through parse. If parse leaves trailing bytes unconsumed, the command
// fails with ErrMalformed: a well-formed response is fully consumed by its
// own decoder.
func CommandParseResponse[T any](c *Channel, cmd byte, data []byte, deadline time.Time, parse func([]byte) (T, int, error)) (T, error) {
	var zero T
	resp, err := c.Command(cmd, data, true, deadline)
	if err != nil {
		return zero, err
	}
	v, consumed, err := parse(resp)
	if err != nil {
		return zero, err
	}
	if consumed != len(resp) {
		return zero, ErrMalformed
	}
	return v, nil
}
