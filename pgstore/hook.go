package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// CommentColumnHook returns a hook that comments each added column with the
// reason it was created, so the origin of a drift column is visible right
// in the catalog (psql \d+) without consulting the change log.
func CommentColumnHook(next AddColumnFunc) AddColumnFunc {
	return func(ctx context.Context, input *AddColumnInput) (*AddColumnOutput, error) {
		output, err := next(ctx, input)
		if err != nil {
			return nil, err
		}

		comment := strings.ReplaceAll("added by casesync: "+input.Reason, "'", "''")
		commentSQL := fmt.Sprintf(`COMMENT ON COLUMN "%s"."%s" IS '%s'`,
			input.Table, input.Column, comment)

		if err := input.DB.WithContext(ctx).Exec(commentSQL).Error; err != nil {
			return nil, errors.Wrapf(err, "failed to comment column %s.%s", input.Table, input.Column)
		}

		return output, nil
	}
}
