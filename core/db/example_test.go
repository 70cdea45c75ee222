package db_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/FocuswithJustin/JuniperKV/core/db"
	"github.com/FocuswithJustin/JuniperKV/core/storage/record"
)

// Contacts are stored as tuples keyed by their integer id.
func Example() {
	dir, _ := os.MkdirTemp("", "juniperkv-example")
	defer os.RemoveAll(dir)

	d, err := db.Open(filepath.Join(dir, "contacts.jkv"), db.DefaultConfig())
	if err != nil {
		fmt.Println(err)
		return
	}
	defer d.Close()

	contacts := []record.Tuple{
		{record.Int(3), record.Text("Carol"), record.Text("carol@example.com")},
		{record.Int(1), record.Text("Alice"), record.Text("alice@example.com")},
		{record.Int(2), record.Text("Bob"), record.Null()},
	}
	err = d.Update(context.Background(), func(tx *db.Tx) error {
		for _, c := range contacts {
			if err := tx.Insert(record.EncodeIntKey(c[0].Int), record.EncodeTuple(c)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	d.View(context.Background(), func(tx *db.Tx) error {
		it := tx.Scan(nil, nil)
		defer it.Close()
		for it.Next() {
			t, err := record.DecodeTuple(it.Value())
			if err != nil {
				return err
			}
			fmt.Println(t[0], t[1], t[2])
		}
		return it.Err()
	})
	// Output:
	// 1 Alice alice@example.com
	// 2 Bob NULL
	// 3 Carol carol@example.com
}
