package taskwire

import (
	"fmt"
	"os"
	"time"

	"github.com/enescakir/emoji"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
	"github.com/shirou/gopsutil/v3/host"
)

type conversationRow struct {
	Name     string `header:"conversation"`
	Kind     string `header:"kind"`
	Unread   int    `header:"unread"`
	Activity string `header:"last activity"`
	Typing   string `header:"typing"`
	Snippet  string `header:"snippet"`
}

// PrintStatusForever renders the session table every refreshRate
// seconds until the session is torn down.
func (s *Session) PrintStatusForever(refreshRate int) {
	for {
		s.PrintStatus()

		select {
		case <-time.After(time.Duration(refreshRate) * time.Second):
		case <-s.maintDone:
			return
		}
	}
}

// PrintStatus renders the current session state as a table.
func (s *Session) PrintStatus() {
	fmt.Println(s.statusLine())

	printer := tableprinter.New(os.Stdout)
	convs := s.chats.Conversations()
	rows := make([]conversationRow, 0, len(convs))

	for _, conv := range convs {
		row := conversationRow{
			Name:     conv.Name,
			Kind:     string(conv.Kind),
			Unread:   conv.Unread,
			Activity: relativeAge(conv.LastActivity),
			Typing:   joinTypingNames(s.typing.Names(conv.ID)),
			Snippet:  conv.Snippet,
		}
		rows = append(rows, row)
	}

	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor

	printer.Print(rows)
}

func (s *Session) statusLine() string {
	icon := emoji.RedCircle
	if s.ConnState() == StateActive {
		icon = emoji.GreenCircle
	}

	uptime, _ := host.Uptime()
	return fmt.Sprintf("%v %s · push %s · %d unread · %d notifications · host up %s",
		icon, s.Self.Name, s.ConnState(), s.chats.TotalUnread(), s.notices.Unread(),
		(time.Duration(uptime) * time.Second).String())
}

func relativeAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t).Round(time.Second)
	if age < 0 {
		age = 0
	}
	return fmt.Sprintf("%s ago", age)
}

func joinTypingNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return fmt.Sprintf("%s +%d", names[0], len(names)-1)
	}
}
