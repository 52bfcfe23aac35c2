package main

import (
	"errors"
	"fmt"
	"log"

	"lsmtree/pkg/dberrors"
	"lsmtree/pkg/lsm"
)

func main() {
	dir := "./data"
	cfg := lsm.DefaultConfig(dir)

	db, err := lsm.Open(cfg)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Set([]byte("a"), []byte("1")); err != nil {
		log.Fatalf("set a: %v", err)
	}
	if err := db.Set([]byte("b"), []byte("2")); err != nil {
		log.Fatalf("set b: %v", err)
	}

	v, err := db.Get([]byte("a"))
	fmt.Printf("get(a) => %q, err=%v\n", v, err)

	if err := db.Delete([]byte("a")); err != nil {
		log.Fatalf("delete a: %v", err)
	}
	_, err = db.Get([]byte("a"))
	fmt.Printf("get(a) after delete => absent=%v\n", errors.Is(err, dberrors.ErrNotFound))

	if err := db.Sync(); err != nil {
		log.Fatalf("sync: %v", err)
	}

	fmt.Println(db.DebugPrintTree())
}
