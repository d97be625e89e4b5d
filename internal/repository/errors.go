package repository

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// ErrDataRejected marks a write MySQL refused because of the row's content
// (too long, bad encoding, invalid JSON). Retrying the same row cannot succeed.
var ErrDataRejected = errors.New("row rejected by database")

// MySQL server errors caused by the values being written.
var dataErrorCodes = map[uint16]bool{
	1048: true, // column cannot be null
	1264: true, // out of range value
	1292: true, // incorrect datetime value
	1366: true, // incorrect string value
	1406: true, // data too long for column
	3140: true, // invalid JSON text
	3144: true, // cannot create JSON value from binary charset
}

// classifyWriteError wraps data errors in ErrDataRejected and returns every
// other error unchanged.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mysql.ErrPktTooLarge) {
		return fmt.Errorf("%w: %v", ErrDataRejected, err)
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) && dataErrorCodes[me.Number] {
		return fmt.Errorf("%w: %v", ErrDataRejected, err)
	}
	return err
}
