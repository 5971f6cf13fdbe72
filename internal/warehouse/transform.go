package warehouse

import "sparkify/internal/storage"

// Transform is one INSERT ... SELECT from staging into a star table.
type Transform struct {
	Table string
	SQL   string
}

// playEvents selects song plays with a known user.
const playEvents = `page = 'NextSong' AND userid IS NOT NULL AND userid <> ''`

// Plays join to songs on title, artist name and duration rounded to whole
// seconds. When several songs match, the smallest song_id wins; duplicate
// (ts, userid) events keep the first item in session.
const songplayInsert = `INSERT INTO songplays (start_time, user_id, level, song_id, artist_id, session_id, location, user_agent)
SELECT start_time, user_id, level, song_id, artist_id, session_id, location, user_agent
FROM (
    SELECT se.ts                    AS start_time,
           se.userid                AS user_id,
           se.level                 AS level,
           ss.song_id               AS song_id,
           ss.artist_id             AS artist_id,
           se.sessionid             AS session_id,
           NULLIF(se.location, '')  AS location,
           NULLIF(se.useragent, '') AS user_agent,
           ROW_NUMBER() OVER (PARTITION BY se.ts, se.userid ORDER BY se.iteminsession, ss.song_id) AS rn
    FROM staging_events AS se
    LEFT JOIN staging_songs AS ss
           ON ss.title = se.song
          AND ss.artist_name = se.artist
          AND ROUND(CAST(ss.duration AS DECIMAL(12,5))) = ROUND(CAST(se.length AS DECIMAL(12,5)))
    WHERE se.` + playEvents + `
) AS plays
WHERE rn = 1`

// The latest event per user wins, as with the relational upsert.
const userInsert = `INSERT INTO users (user_id, first_name, last_name, gender, level)
SELECT userid, firstname, lastname, gender, level
FROM (
    SELECT userid,
           firstname,
           lastname,
           NULLIF(gender, '') AS gender,
           level,
           ROW_NUMBER() OVER (PARTITION BY userid ORDER BY ts DESC, iteminsession DESC) AS rn
    FROM staging_events
    WHERE ` + playEvents + `
) AS u
WHERE rn = 1`

const songInsert = `INSERT INTO songs (song_id, title, artist_id, year, duration)
SELECT song_id, title, artist_id, year, duration
FROM (
    SELECT song_id, title, artist_id, year, duration,
           ROW_NUMBER() OVER (PARTITION BY song_id ORDER BY title, artist_id) AS rn
    FROM staging_songs
    WHERE song_id IS NOT NULL
) AS s
WHERE rn = 1`

const artistInsert = `INSERT INTO artists (artist_id, name, location, latitude, longitude)
SELECT artist_id, artist_name, artist_location, artist_latitude, artist_longitude
FROM (
    SELECT artist_id,
           artist_name,
           NULLIF(artist_location, '') AS artist_location,
           artist_latitude,
           artist_longitude,
           ROW_NUMBER() OVER (PARTITION BY artist_id ORDER BY artist_name) AS rn
    FROM staging_songs
    WHERE artist_id IS NOT NULL
) AS a
WHERE rn = 1`

// EXTRACT(week) is the ISO week; weekday is shifted so Monday is 0.
const timeInsert = `INSERT INTO time (start_time, hour, day, week, month, year, weekday)
SELECT DISTINCT start_time,
       CAST(EXTRACT(hour FROM start_time) AS INTEGER),
       CAST(EXTRACT(day FROM start_time) AS INTEGER),
       CAST(EXTRACT(week FROM start_time) AS INTEGER),
       CAST(EXTRACT(month FROM start_time) AS INTEGER),
       CAST(EXTRACT(year FROM start_time) AS INTEGER),
       (CAST(EXTRACT(dow FROM start_time) AS INTEGER) + 6) % 7
FROM songplays`

// Transforms returns the star inserts in execution order. time reads
// songplays, so it runs last.
func Transforms() []Transform {
	return []Transform{
		{Table: storage.TableSongPlays, SQL: songplayInsert},
		{Table: storage.TableUsers, SQL: userInsert},
		{Table: storage.TableSongs, SQL: songInsert},
		{Table: storage.TableArtists, SQL: artistInsert},
		{Table: storage.TableTime, SQL: timeInsert},
	}
}
