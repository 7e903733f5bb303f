package probing

import (
	"fmt"
	"strings"
)

type Stats struct {
	BytesSentRtx     uint64
	BytesSentPadding uint64
}

// StatsBlock is a named, human readable snapshot.
type StatsBlock struct {
	Name  string
	Lines []string
}

func (s Stats) Block() StatsBlock {
	return StatsBlock{
		Name: statsBlockName,
		Lines: []string{
			fmt.Sprintf("num_bytes_of_probing_data_sent_as_rtx: %d", s.BytesSentRtx),
			fmt.Sprintf("num_bytes_of_probing_data_sent_as_padding: %d", s.BytesSentPadding),
		},
	}
}

func (b StatsBlock) String() string {
	var sb strings.Builder
	sb.WriteString(b.Name)
	sb.WriteString(":")
	for _, line := range b.Lines {
		sb.WriteString("\n  ")
		sb.WriteString(line)
	}
	return sb.String()
}
