package cursor

import "context"

// ForEach pulls chunks from c and hands them to fn until the cursor is
// exhausted, fn returns false, or an error occurs. The cursor is always
// cancelled on return.
func ForEach(ctx context.Context, c Cursor, fn func(*Chunk) (bool, error)) error {
	defer c.Cancel(ctx)
	for {
		chunk, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		more, err := fn(chunk)
		if err != nil || !more {
			return err
		}
	}
}
