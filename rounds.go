package sevTrack

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

//NewRoundCounter returns the loop condition of the tracing tools. With iterations > 0 it allows that many rounds,
//otherwise every line read from in starts a round. No round starts once ctx is done
func NewRoundCounter(ctx context.Context, iterations uint, in io.Reader, log logrus.FieldLogger) func() bool {
	if iterations != 0 {
		log.Infof("Doing %v iterations", iterations)
		remaining := int(iterations)
		return func() bool {
			remaining--
			ok := remaining >= 0 && ctx.Err() == nil
			if ok {
				log.Infof("%v iterations remaining", remaining)
			}
			return ok
		}
	}
	fmt.Println("Press enter to trigger victim. Press CTL-C, Enter to quit")
	sc := bufio.NewScanner(in)
	sc.Split(bufio.ScanLines)
	return func() bool {
		return sc.Scan() && ctx.Err() == nil
	}
}
