// +build !linux

package source

import "os"

func adviseSequential(*os.File) error {
	return nil
}
